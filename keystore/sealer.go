package keystore

import (
	"crypto/subtle"
	"fmt"

	vcrypto "github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/crypto"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/misc"
	"github.com/awnumar/memguard"
)

const (
	wrapInfoPrefix = "safesphere/keystore/"
	checkAlias     = "__passphrase_check__"
	checkPlaintext = "safesphere-keystore-v1"
)

// sealer wraps key material under a passphrase-derived key-encryption key.
// Each alias gets its own HKDF subkey, so a wrapped value moved to another
// alias fails to open.
type sealer struct {
	kek *memguard.Enclave
}

// header is the persisted KDF state of a durable key store
type header struct {
	Salt  []byte            `json:"salt"`
	KDF   vcrypto.KDFParams `json:"kdf"`
	Check []byte            `json:"check"`
}

func newSealer(passphrase, salt []byte, params vcrypto.KDFParams) (*sealer, error) {
	if len(passphrase) < misc.MinPassphraseLength {
		return nil, fmt.Errorf("passphrase must be at least %d characters long", misc.MinPassphraseLength)
	}
	derived, err := vcrypto.DeriveKeyWithParams(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer derived.Destroy()

	keyBytes := make([]byte, derived.Size())
	copy(keyBytes, derived.Bytes())
	return &sealer{kek: memguard.NewEnclave(keyBytes)}, nil
}

// newHeader creates a fresh salt and check value for a new store
func newHeader(passphrase []byte, params vcrypto.KDFParams) (*header, *sealer, error) {
	salt, err := vcrypto.RandomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	s, err := newSealer(passphrase, salt, params)
	if err != nil {
		return nil, nil, err
	}
	check, err := s.seal(checkAlias, []byte(checkPlaintext))
	if err != nil {
		s.destroy()
		return nil, nil, err
	}
	return &header{Salt: salt, KDF: params, Check: check}, s, nil
}

// openHeader derives the KEK from an existing header and verifies the passphrase
func openHeader(passphrase []byte, h *header) (*sealer, error) {
	s, err := newSealer(passphrase, h.Salt, h.KDF)
	if err != nil {
		return nil, err
	}
	plain, err := s.open(checkAlias, h.Check)
	if err != nil || subtle.ConstantTimeCompare(plain, []byte(checkPlaintext)) != 1 {
		s.destroy()
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

func (s *sealer) subKey(alias string) ([]byte, error) {
	kek, err := s.kek.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key-encryption key: %w", err)
	}
	defer kek.Destroy()
	return vcrypto.DeriveSubKey(kek.Bytes(), wrapInfoPrefix+alias)
}

func (s *sealer) seal(alias string, plain []byte) ([]byte, error) {
	sub, err := s.subKey(alias)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(sub)
	return vcrypto.EncryptValue(plain, sub)
}

func (s *sealer) open(alias string, wrapped []byte) ([]byte, error) {
	sub, err := s.subKey(alias)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(sub)
	return vcrypto.DecryptValue(wrapped, sub)
}

func (s *sealer) destroy() {
	s.kek = nil
}
