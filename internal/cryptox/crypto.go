// Package cryptox implements the key hierarchy and authenticated encryption
// primitives for advBBS: password-derived master key, wrapped per-user and
// per-board keys, and AEAD sealing/opening of message bodies and subjects.
//
// Nothing in this package ever writes plaintext to the store; it only
// produces ciphertext and the nonces needed to open it again.
package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/advbbs/advbbs/internal/shared"
)

// KDFParams tunes the memory-hard password→key derivation. Defaults match
// §4.A: ~32 MiB memory, 3 time iterations, parallelism 1, 32-byte output.
type KDFParams struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultKDFParams returns the operator-tunable defaults from the spec.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Memory:  32 * 1024,
		Time:    3,
		Threads: 1,
		KeyLen:  32,
		SaltLen: 16,
	}
}

// NonceSize is the AEAD nonce length used throughout advBBS.
const NonceSize = chacha20poly1305.NonceSize // 12 bytes

// GenerateSalt returns n fresh random bytes, suitable as a per-user KDF salt
// or as the immutable master-key salt.
func GenerateSalt(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failing means the platform is broken
	}
	return b
}

// DeriveKey runs the memory-hard KDF over password and salt, producing the
// master key (when salt is the bbs_settings row) or any other password-bound
// key the caller needs.
func DeriveKey(password, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// MakeVerifier derives a value suitable for storing alongside a user row and
// comparing against future login attempts, without storing the key itself.
func MakeVerifier(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

// VerifyPassword reports whether password, once derived with salt and p,
// matches the stored verifier. Uses a constant-time comparison to avoid
// timing side channels on login attempts.
func VerifyPassword(password, salt []byte, p KDFParams, verifier []byte) bool {
	key := DeriveKey(password, salt, p)
	candidate := MakeVerifier(key)
	return subtle.ConstantTimeCompare(candidate, verifier) == 1
}

// aad binds a ciphertext to the row it belongs to: swapping ciphertexts
// between two messages, or between two created_at values of the same
// message, fails authentication.
func aad(messageUUID string, createdAtUs int64) []byte {
	buf := make([]byte, len(messageUUID)+8)
	copy(buf, messageUUID)
	binary.BigEndian.PutUint64(buf[len(messageUUID):], uint64(createdAtUs))
	return buf
}

// Seal encrypts plaintext under key, binding it to messageUUID and
// createdAtUs via associated data. Returns ciphertext (with the auth tag
// appended) and the randomly generated nonce.
func Seal(key, plaintext []byte, messageUUID string, createdAtUs int64) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, aad(messageUUID, createdAtUs))
	return ciphertext, nonce, nil
}

// Open decrypts ciphertext produced by Seal. Returns shared.ErrAuthTagInvalid
// if the ciphertext, nonce, key, uuid, or timestamp don't all match — this
// includes ciphertexts swapped across rows, which is the point of the AAD.
func Open(key, ciphertext, nonce []byte, messageUUID string, createdAtUs int64) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad(messageUUID, createdAtUs))
	if err != nil {
		return nil, shared.ErrAuthTagInvalid
	}
	return plaintext, nil
}

// WrapKey encrypts a raw key (a user key or a board key) under a wrapping
// key (the master key, or a grantee's user key for restricted boards). The
// wrapped form is what persists in the store; the raw key never does.
func WrapKey(wrappingKey, rawKey []byte) (wrapped, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(wrappingKey)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	wrapped = aead.Seal(nil, nonce, rawKey, nil)
	return wrapped, nonce, nil
}

// UnwrapKey reverses WrapKey. Returns shared.ErrWrongPassphrase when the
// wrapped key does not authenticate under wrappingKey — the caller is
// expected to surface this when the wrapping key came from an operator
// passphrase.
func UnwrapKey(wrappingKey, wrapped, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(wrappingKey)
	if err != nil {
		return nil, err
	}
	raw, err := aead.Open(nil, nonce, wrapped, nil)
	if err != nil {
		return nil, shared.ErrWrongPassphrase
	}
	return raw, nil
}

// GenerateUserKey produces a fresh random per-user encryption key at
// registration time, before it is wrapped under the master key.
func GenerateUserKey() []byte {
	return GenerateSalt(chacha20poly1305.KeySize)
}
