// Package envelope seals and signs vault payloads.
//
// An envelope is Base64(nonce(12) || ciphertext || tag(16)) under ChaCha20-Poly1305.
// Signatures are RSASSA-PSS with SHA-256, Base64 encoded. Keys come from an
// injected keystore.Store; symmetric keys are addressed by key id and stored
// under the alias "vault_key_<id>".
package envelope

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	vcrypto "github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/crypto"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/keystore"
	"github.com/awnumar/memguard"
)

const (
	DefaultKeyID        = "master"
	DefaultSigningAlias = "vault_signing"

	keyAliasPrefix = "vault_key_"
)

var errNotInitialized = errors.New("envelope service not initialized")

// Options configure the envelope service
type Options struct {
	// KeyID is the symmetric key made current by Initialize. Defaults to DefaultKeyID.
	KeyID string
	// SigningAlias names the signing key pair. Defaults to DefaultSigningAlias.
	SigningAlias string
}

// Service is the cryptographic envelope service. It is safe for concurrent use.
type Service struct {
	keys keystore.Store
	opts Options
	log  logging.Logger

	mu           sync.RWMutex
	initialized  bool
	currentKeyID string
	symmetric    map[string]*memguard.Enclave
	signer       *keystore.KeyPair
}

func New(keys keystore.Store, opts Options, log logging.Logger) *Service {
	if opts.KeyID == "" {
		opts.KeyID = DefaultKeyID
	}
	if opts.SigningAlias == "" {
		opts.SigningAlias = DefaultSigningAlias
	}
	return &Service{
		keys:      keys,
		opts:      opts,
		log:       logging.OrNop(log).With("component", "envelope"),
		symmetric: make(map[string]*memguard.Enclave),
	}
}

// KeyAlias returns the key store alias of a symmetric key id
func KeyAlias(keyID string) string {
	return keyAliasPrefix + keyID
}

// Initialize gets or creates the current symmetric key and the signing key pair.
// Calling it again after success is a no-op.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	if s.keys == nil {
		return errs.New(errs.ErrInitialization, "envelope.Initialize", "", errors.New("no key store configured"))
	}

	enc, err := s.keys.SymmetricKey(ctx, KeyAlias(s.opts.KeyID))
	if err != nil {
		return errs.New(errs.ErrInitialization, "envelope.Initialize", s.opts.KeyID, err)
	}
	signer, err := s.keys.KeyPair(ctx, s.opts.SigningAlias)
	if err != nil {
		return errs.New(errs.ErrInitialization, "envelope.Initialize", s.opts.SigningAlias, err)
	}

	s.symmetric[s.opts.KeyID] = enc
	s.signer = signer
	s.currentKeyID = s.opts.KeyID
	s.initialized = true
	s.log.Info(ctx, "envelope service initialized", "key_id", s.currentKeyID)
	return nil
}

// CurrentKeyID returns the id new envelopes are sealed under
func (s *Service) CurrentKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentKeyID
}

// PrepareKey gets or creates the symmetric key keyID without making it current.
func (s *Service) PrepareKey(ctx context.Context, keyID string) error {
	if keyID == "" {
		return errs.New(errs.ErrValidation, "envelope.PrepareKey", "", errors.New("empty key id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.symmetric[keyID]; ok {
		return nil
	}
	enc, err := s.keys.SymmetricKey(ctx, KeyAlias(keyID))
	if err != nil {
		return errs.New(errs.ErrInitialization, "envelope.PrepareKey", keyID, err)
	}
	s.symmetric[keyID] = enc
	return nil
}

// ActivateKey prepares keyID and makes it current.
func (s *Service) ActivateKey(ctx context.Context, keyID string) error {
	if err := s.PrepareKey(ctx, keyID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.currentKeyID
	s.currentKeyID = keyID
	if previous != keyID {
		s.log.Info(ctx, "current key changed", "old_key_id", previous, "new_key_id", keyID)
	}
	return nil
}

// ForgetKey drops a cached key and removes it from the key store.
func (s *Service) ForgetKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keyID == s.currentKeyID {
		return errs.New(errs.ErrValidation, "envelope.ForgetKey", keyID, errors.New("cannot remove the current key"))
	}
	delete(s.symmetric, keyID)
	return s.keys.Delete(ctx, KeyAlias(keyID))
}

// resolve returns the enclave for keyID, loading keys that exist in the key
// store but are not cached. Unknown ids are never created here.
func (s *Service) resolve(ctx context.Context, keyID string) (*memguard.Enclave, error) {
	s.mu.RLock()
	enc, ok := s.symmetric[keyID]
	initialized := s.initialized
	s.mu.RUnlock()

	if !initialized {
		return nil, errNotInitialized
	}
	if ok {
		return enc, nil
	}

	aliases, err := s.keys.Aliases(ctx)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(aliases, KeyAlias(keyID)) {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	if err = s.PrepareKey(ctx, keyID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symmetric[keyID], nil
}

// Encrypt seals plaintext under the current key.
func (s *Service) Encrypt(plaintext string) (string, error) {
	return s.EncryptWithKey(context.Background(), s.CurrentKeyID(), plaintext)
}

// Decrypt opens an envelope sealed under the current key.
func (s *Service) Decrypt(envelope string) (string, error) {
	return s.DecryptWithKey(context.Background(), s.CurrentKeyID(), envelope)
}

// EncryptWithKey seals plaintext under keyID with a fresh random nonce.
func (s *Service) EncryptWithKey(ctx context.Context, keyID, plaintext string) (string, error) {
	enc, err := s.resolve(ctx, keyID)
	if err != nil {
		return "", errs.New(errs.ErrEncryption, "envelope.Encrypt", keyID, err)
	}

	key, err := enc.Open()
	if err != nil {
		return "", errs.New(errs.ErrEncryption, "envelope.Encrypt", keyID, err)
	}
	defer key.Destroy()

	sealed, err := vcrypto.EncryptValue([]byte(plaintext), key.Bytes())
	if err != nil {
		return "", errs.New(errs.ErrEncryption, "envelope.Encrypt", keyID, err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptWithKey opens an envelope sealed under keyID. Malformed Base64, short
// input, a wrong key and a failed tag check all fail closed with ErrDecryption.
func (s *Service) DecryptWithKey(ctx context.Context, keyID, envelope string) (string, error) {
	sealed, err := base64.StdEncoding.Strict().DecodeString(envelope)
	if err != nil {
		return "", errs.New(errs.ErrDecryption, "envelope.Decrypt", keyID, fmt.Errorf("malformed envelope: %w", err))
	}

	enc, err := s.resolve(ctx, keyID)
	if err != nil {
		return "", errs.New(errs.ErrDecryption, "envelope.Decrypt", keyID, err)
	}

	key, err := enc.Open()
	if err != nil {
		return "", errs.New(errs.ErrDecryption, "envelope.Decrypt", keyID, err)
	}
	defer key.Destroy()

	plaintext, err := vcrypto.DecryptValue(sealed, key.Bytes())
	if err != nil {
		return "", errs.New(errs.ErrDecryption, "envelope.Decrypt", keyID, err)
	}
	return string(plaintext), nil
}

// Sign returns the Base64 signature of data.
func (s *Service) Sign(data string) (string, error) {
	s.mu.RLock()
	signer := s.signer
	s.mu.RUnlock()

	if signer == nil {
		return "", errs.New(errs.ErrEncryption, "envelope.Sign", "", errNotInitialized)
	}
	sig, err := signer.Sign([]byte(data))
	if err != nil {
		return "", errs.New(errs.ErrEncryption, "envelope.Sign", "", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is valid for data. Any failure, including a
// malformed signature or an uninitialized service, yields false.
func (s *Service) Verify(data, signature string) bool {
	s.mu.RLock()
	signer := s.signer
	s.mu.RUnlock()

	if signer == nil || signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.Strict().DecodeString(signature)
	if err != nil {
		return false
	}
	return signer.Verify([]byte(data), sig)
}
