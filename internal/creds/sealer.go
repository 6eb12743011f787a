package creds

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// Sealer encrypts bundles at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// PassphraseSealer seals with age's scrypt recipient.
type PassphraseSealer struct {
	recipient *age.ScryptRecipient
	identity  *age.ScryptIdentity
}

// NewPassphraseSealer builds a sealer for passphrase. workFactor is the
// scrypt log2(N); zero keeps age's default.
func NewPassphraseSealer(passphrase string, workFactor int) (*PassphraseSealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("creds: empty passphrase")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if workFactor > 0 {
		recipient.SetWorkFactor(workFactor)
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	return &PassphraseSealer{recipient: recipient, identity: identity}, nil
}

func (s *PassphraseSealer) Seal(plaintext []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := age.Encrypt(&out, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

func (s *PassphraseSealer) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting bundle: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted bundle: %w", err)
	}
	return plaintext, nil
}
