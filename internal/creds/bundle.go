// Package creds persists one opaque credential bundle per identity.
//
// A bundle is whatever key material the transport needs to resume a paired
// session. The store only creates, reads, replaces and deletes it. Every
// save replaces the file atomically, so a crash mid-save leaves the
// previous bundle intact.
package creds

import (
	"maps"
	"slices"
	"time"
)

// Bundle is the persisted credential set of one identity. Keys are owned
// by the transport and never interpreted here.
type Bundle struct {
	Keys      map[string][]byte `cbor:"keys"`
	UpdatedAt time.Time         `cbor:"updated_at"`
}

// New returns an empty bundle, the state of a never-paired identity.
func New() *Bundle {
	return &Bundle{Keys: map[string][]byte{}}
}

// Empty reports whether the bundle holds no key material.
func (b *Bundle) Empty() bool {
	return b == nil || len(b.Keys) == 0
}

// Clone returns a deep copy.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return New()
	}
	out := &Bundle{Keys: make(map[string][]byte, len(b.Keys)), UpdatedAt: b.UpdatedAt}
	for k, v := range b.Keys {
		out.Keys[k] = append([]byte(nil), v...)
	}
	return out
}

// Merge returns a copy of b with update applied. A nil value removes the key.
func (b *Bundle) Merge(update map[string][]byte, now time.Time) *Bundle {
	out := b.Clone()
	for k, v := range update {
		if v == nil {
			delete(out.Keys, k)
			continue
		}
		out.Keys[k] = append([]byte(nil), v...)
	}
	out.UpdatedAt = now
	return out
}

// KeyNames lists the stored key names, for logging without leaking values.
func (b *Bundle) KeyNames() []string {
	if b == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(b.Keys))
}
