package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// IVSize is the GCM nonce length in bytes. Binary chunk frames are
	// laid out as iv(IVSize) || ciphertext.
	IVSize = 12

	// Iterations is the PBKDF2 work factor. Both peers must agree on it,
	// so it is fixed rather than configurable.
	Iterations = 100_000

	// saltPrefix domain-separates the derived key so the same passphrase
	// in a different room yields an unrelated key.
	saltPrefix = "silentlink/room:"
)

var (
	// ErrVerification is returned when AEAD authentication fails:
	// wrong key, wrong room, or tampered ciphertext.
	ErrVerification = errors.New("message verification failed")

	// ErrKeyDestroyed is returned by all operations after Destroy.
	ErrKeyDestroyed = errors.New("session key destroyed")

	// ErrShortFrame is returned when a binary frame is too small to
	// contain an IV.
	ErrShortFrame = errors.New("binary frame shorter than IV")
)

// Key is the symmetric session key shared by exactly two peers. Both sides
// derive it independently from the (passphrase, roomID) pair; it is never
// serialized or sent anywhere.
type Key struct {
	material []byte
	aead     cipher.AEAD
}

// DeriveKey stretches the passphrase into an AES-256-GCM key. Both
// sides derive the same key from the same (passphrase, roomID) pair.
func DeriveKey(passphrase, roomID string) (*Key, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	if roomID == "" {
		return nil, errors.New("empty room id")
	}

	salt := []byte(saltPrefix + roomID)
	material := pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)

	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	return &Key{material: material, aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV. The IV is returned
// separately so text envelopes can carry it as their own field.
func (k *Key) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	if k.aead == nil {
		return nil, nil, ErrKeyDestroyed
	}

	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	return k.aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext with the given IV. Authentication failure
// returns ErrVerification and no plaintext, never garbage.
func (k *Key) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, ErrKeyDestroyed
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrVerification, len(iv), IVSize)
	}

	plaintext, err := k.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrVerification
	}
	return plaintext, nil
}

// Seal encrypts one binary chunk and frames it as iv || ciphertext, the
// exact wire layout of a tunnel binary frame.
func (k *Key) Seal(chunk []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, ErrKeyDestroyed
	}

	frame := make([]byte, IVSize, IVSize+len(chunk)+k.aead.Overhead())
	if _, err := rand.Read(frame); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	return k.aead.Seal(frame, frame[:IVSize], chunk, nil), nil
}

// Open decrypts a framed binary chunk produced by Seal on the peer side.
func (k *Key) Open(frame []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, ErrKeyDestroyed
	}
	if len(frame) < IVSize {
		return nil, ErrShortFrame
	}
	return k.Decrypt(frame[IVSize:], frame[:IVSize])
}

// Destroy zeroes the key material and disables the key. Best effort: the
// expanded cipher schedule is dropped for the collector, the raw bytes are
// overwritten in place.
func (k *Key) Destroy() {
	for i := range k.material {
		k.material[i] = 0
	}
	k.material = nil
	k.aead = nil
}
