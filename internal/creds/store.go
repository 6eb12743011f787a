package creds

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"slotbot/internal/config"
)

// ErrNotFound is returned by Load when the identity has never been paired
// or its bundle was deleted after a logout.
var ErrNotFound = errors.New("creds: no credential bundle")

const (
	plainName  = "bundle.cbor"
	sealedName = "bundle.age"
)

// Store keeps bundles under <root>/<identity>/. Each identity's directory
// is touched only by that identity's session manager.
type Store struct {
	root   string
	sealer Sealer
}

// NewStore returns a store rooted at root. A nil sealer stores bundles in
// plaintext CBOR.
func NewStore(root string, sealer Sealer) *Store {
	return &Store{root: root, sealer: sealer}
}

// Dir returns the storage directory of identity.
func (s *Store) Dir(identity string) string {
	return filepath.Join(s.root, identity)
}

func (s *Store) path(identity string) string {
	if s.sealer != nil {
		return filepath.Join(s.Dir(identity), sealedName)
	}
	return filepath.Join(s.Dir(identity), plainName)
}

func validIdentity(identity string) error {
	if identity == "" || identity == "." || identity == ".." ||
		strings.ContainsAny(identity, `/\`) {
		return fmt.Errorf("creds: invalid identity %q", identity)
	}
	return nil
}

// Ensure creates the identity's directory if it does not exist.
func (s *Store) Ensure(identity string) error {
	if err := validIdentity(identity); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir(identity), 0o700); err != nil {
		return fmt.Errorf("creating credential dir: %w", err)
	}
	return nil
}

// Load reads the identity's bundle. It returns ErrNotFound when none exists.
func (s *Store) Load(identity string) (*Bundle, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(identity))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading credential bundle: %w", err)
	}
	if s.sealer != nil {
		if data, err = s.sealer.Open(data); err != nil {
			return nil, err
		}
	}
	b, err := unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decoding credential bundle: %w", err)
	}
	return b, nil
}

// Save replaces the identity's bundle atomically.
func (s *Store) Save(identity string, b *Bundle) error {
	if err := validIdentity(identity); err != nil {
		return err
	}
	if b == nil {
		return errors.New("creds: nil bundle")
	}
	data, err := marshal(b)
	if err != nil {
		return fmt.Errorf("encoding credential bundle: %w", err)
	}
	if s.sealer != nil {
		if data, err = s.sealer.Seal(data); err != nil {
			return err
		}
	}
	return config.WriteFileAtomic(s.path(identity), data, ".bundle-*.tmp")
}

// Delete removes the identity's directory and everything in it. Deleting
// a missing bundle is not an error.
func (s *Store) Delete(identity string) error {
	if err := validIdentity(identity); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(identity)); err != nil {
		return fmt.Errorf("deleting credential dir: %w", err)
	}
	return nil
}

// Exists reports whether a bundle file is present for identity.
func (s *Store) Exists(identity string) bool {
	if validIdentity(identity) != nil {
		return false
	}
	_, err := os.Stat(s.path(identity))
	return err == nil
}
