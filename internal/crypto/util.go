package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/misc"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the AEAD nonce length prefixed to every sealed value
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the AEAD authentication tag length appended by Seal
	TagSize = chacha20poly1305.Overhead

	passphraseSaltSize = 32
)

var ErrCiphertextTooShort = errors.New("encrypted data too short")

// RandomBytes returns n bytes from the system CSPRNG
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// EncryptValue seals value under key and returns [nonce][ciphertext+tag]
func EncryptValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	encrypted := make([]byte, 0, len(nonce)+len(value)+aead.Overhead())
	encrypted = append(encrypted, nonce...)
	return aead.Seal(encrypted, nonce, value, nil), nil
}

// DecryptValue opens a [nonce][ciphertext+tag] value produced by EncryptValue
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce := encryptedData[:aead.NonceSize()]
	ciphertext := encryptedData[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// EncryptWithPassphrase encrypts data using a passphrase with PBKDF2 + ChaCha20-Poly1305.
// Output layout: [salt 32][nonce 12][ciphertext+tag]
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt, err := RandomBytes(passphraseSaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, misc.PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New)
	defer memguard.WipeBytes(key)

	sealed, err := EncryptValue(data, key)
	if err != nil {
		return nil, err
	}

	return append(salt, sealed...), nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < passphraseSaltSize+NonceSize+TagSize {
		return nil, ErrCiphertextTooShort
	}

	salt := encryptedData[:passphraseSaltSize]
	key := pbkdf2.Key([]byte(passphrase), salt, misc.PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New)
	defer memguard.WipeBytes(key)

	plaintext, err := DecryptValue(encryptedData[passphraseSaltSize:], key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// KDFParams are the Argon2id cost parameters. They are persisted next to the
// salt so a key store always re-derives with the costs it was created with.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

func DefaultKDFParams() KDFParams {
	return KDFParams{Time: misc.ArgonTime, Memory: misc.ArgonMemory, Threads: misc.ArgonThreads}
}

// DeriveKey stretches a passphrase with Argon2id into a protected key-encryption key
func DeriveKey(password []byte, salt []byte) (*memguard.LockedBuffer, error) {
	return DeriveKeyWithParams(password, salt, DefaultKDFParams())
}

func DeriveKeyWithParams(password []byte, salt []byte, params KDFParams) (*memguard.LockedBuffer, error) {
	if len(salt) < misc.SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", misc.SaltSize)
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return nil, errors.New("invalid key derivation parameters")
	}

	derivedKey := argon2.IDKey(
		password,
		salt,
		params.Time,
		params.Memory,
		params.Threads,
		misc.ArgonKeyLen,
	)

	// NewBufferFromBytes wipes derivedKey
	return memguard.NewBufferFromBytes(derivedKey), nil
}

// DeriveSubKey expands a key-encryption key into a purpose-bound 32-byte key
func DeriveSubKey(kek []byte, info string) ([]byte, error) {
	sub := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, kek, nil, []byte(info))
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("failed to expand key for %q: %w", info, err)
	}
	return sub, nil
}

// HashPassword returns an Argon2id verifier string:
// argon2id$<time>$<memory>$<threads>$<salt b64>$<hash b64>
func HashPassword(password string) (string, error) {
	salt, err := RandomBytes(misc.SaltSize)
	if err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, misc.VerifierTime, misc.VerifierMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		misc.VerifierTime, misc.VerifierMemory, misc.ArgonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword checks password against a verifier from HashPassword in constant time
func VerifyPassword(password, verifier string) (bool, error) {
	parts := strings.Split(verifier, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false, errors.New("malformed password verifier")
	}

	var t, m uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[1]+" "+parts[2]+" "+parts[3], "%d %d %d", &t, &m, &p); err != nil {
		return false, fmt.Errorf("malformed verifier parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("malformed verifier salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("malformed verifier hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, t, m, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// IsWeakKey rejects short, constant or low-variety key material
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	uniqueBytes := make(map[byte]struct{})
	for _, b := range key {
		uniqueBytes[b] = struct{}{}
	}

	// at least 16 distinct byte values
	return len(uniqueBytes) < 16
}
