package mtcrypto

import (
	"crypto/sha1"
)

// Key is the 2048-bit MTProto authorization key shared with a datacenter.
type Key [256]byte

// ID computes the key fingerprint: the lower 64 bits of SHA1(auth_key).
func (k Key) ID() [8]byte {
	raw := sha1.Sum(k[:])
	var id [8]byte
	copy(id[:], raw[12:])
	return id
}

// WithID pairs the key with its precomputed fingerprint.
func (k Key) WithID() AuthKey {
	return AuthKey{
		Value: k,
		ID:    k.ID(),
	}
}

// AuthKey is an authorization key along with its fingerprint.
type AuthKey struct {
	Value Key
	ID    [8]byte
}
