// Package keystore holds the vault's key material behind aliases.
//
// Every lookup is get-or-create: asking for an alias that does not exist yet
// generates fresh material, persists it (wrapped under a passphrase-derived key
// for durable backends) and returns it. Key bytes stay in memguard enclaves and
// are only decrypted into locked buffers for the duration of a single use.
package keystore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	vcrypto "github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/crypto"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/misc"
	"github.com/awnumar/memguard"
)

var (
	// ErrWrongKind is returned when an alias holds a different kind of key than requested.
	ErrWrongKind = errors.New("alias holds a different kind of key")
	// ErrWrongPassphrase is returned when the passphrase does not open an existing store.
	ErrWrongPassphrase = errors.New("passphrase does not match key store")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("key store is closed")
	// ErrNotFound is returned by Delete for unknown aliases.
	ErrNotFound = errors.New("alias not found")

	errExists = errors.New("alias already exists")
)

// Kind identifies the type of material stored under an alias.
type Kind string

const (
	KindSymmetric Kind = "symmetric"
	KindRSA2048   Kind = "rsa-2048"
)

// Store is the key store contract the envelope service depends on.
type Store interface {
	// SymmetricKey returns the 32-byte key under alias, creating it if absent.
	SymmetricKey(ctx context.Context, alias string) (*memguard.Enclave, error)
	// KeyPair returns the signing pair under alias, creating it if absent.
	KeyPair(ctx context.Context, alias string) (*KeyPair, error)
	// Delete removes alias permanently.
	Delete(ctx context.Context, alias string) error
	// Aliases lists every alias, sorted.
	Aliases(ctx context.Context) ([]string, error)
	Close() error
}

// KeyPair is an RSA-2048 signing key. The private half stays in an enclave as
// PKCS#8 DER; signatures are RSASSA-PSS over SHA-256.
type KeyPair struct {
	alias   string
	private *memguard.Enclave
	public  *rsa.PublicKey
}

func (k *KeyPair) Alias() string { return k.alias }

func (k *KeyPair) Public() *rsa.PublicKey { return k.public }

// Sign returns an RSASSA-PSS signature over SHA-256(data).
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	buf, err := k.private.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open signing key: %w", err)
	}
	defer buf.Destroy()

	parsed, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrWrongKind
	}

	digest := sha256.Sum256(data)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

// Verify reports whether sig is a valid signature of data. It never panics or errors.
func (k *KeyPair) Verify(data, sig []byte) bool {
	if k == nil || k.public == nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(k.public, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}) == nil
}

func newKeyPair(alias string, der []byte) (*KeyPair, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key pair %s: %w", alias, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrWrongKind
	}
	return &KeyPair{
		alias:   alias,
		public:  &priv.PublicKey,
		private: memguard.NewEnclave(der), // wipes der
	}, nil
}

// generate returns fresh material of the given kind
func generate(kind Kind) ([]byte, error) {
	switch kind {
	case KindSymmetric:
		for i := 0; i < 3; i++ {
			key, err := vcrypto.RandomBytes(misc.SymmetricKeySize)
			if err != nil {
				return nil, err
			}
			if !vcrypto.IsWeakKey(key) {
				return key, nil
			}
			memguard.WipeBytes(key)
		}
		return nil, errors.New("generated key failed entropy check")
	case KindRSA2048:
		priv, err := rsa.GenerateKey(rand.Reader, misc.RSAKeyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
		return x509.MarshalPKCS8PrivateKey(priv)
	default:
		return nil, fmt.Errorf("unknown key kind %q", kind)
	}
}

// record is the persisted form of one alias
type record struct {
	Kind      Kind      `json:"kind"`
	Wrapped   []byte    `json:"wrapped"`
	CreatedAt time.Time `json:"created_at"`
}

// backend persists wrapped records. put fails with errExists when another
// writer created the alias first.
type backend interface {
	get(ctx context.Context, alias string) (*record, bool, error)
	put(ctx context.Context, alias string, rec record) error
	remove(ctx context.Context, alias string) error
	aliases(ctx context.Context) ([]string, error)
	close() error
}

// keyring caches unwrapped material and implements get-or-create on top of a backend
type keyring struct {
	mu        sync.Mutex
	backend   backend // nil for the in-memory store
	sealer    *sealer
	symmetric map[string]*memguard.Enclave
	pairs     map[string]*KeyPair
	closed    bool
	log       logging.Logger
}

func newKeyring(b backend, s *sealer, log logging.Logger) *keyring {
	return &keyring{
		backend:   b,
		sealer:    s,
		symmetric: make(map[string]*memguard.Enclave),
		pairs:     make(map[string]*KeyPair),
		log:       logging.OrNop(log),
	}
}

func (k *keyring) SymmetricKey(ctx context.Context, alias string) (*memguard.Enclave, error) {
	if err := validateAlias(alias); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	if enc, ok := k.symmetric[alias]; ok {
		return enc, nil
	}
	if _, ok := k.pairs[alias]; ok {
		return nil, fmt.Errorf("%s: %w", alias, ErrWrongKind)
	}

	plain, err := k.loadOrCreate(ctx, alias, KindSymmetric)
	if err != nil {
		return nil, err
	}
	enc := memguard.NewEnclave(plain)
	k.symmetric[alias] = enc
	return enc, nil
}

func (k *keyring) KeyPair(ctx context.Context, alias string) (*KeyPair, error) {
	if err := validateAlias(alias); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	if kp, ok := k.pairs[alias]; ok {
		return kp, nil
	}
	if _, ok := k.symmetric[alias]; ok {
		return nil, fmt.Errorf("%s: %w", alias, ErrWrongKind)
	}

	der, err := k.loadOrCreate(ctx, alias, KindRSA2048)
	if err != nil {
		return nil, err
	}
	kp, err := newKeyPair(alias, der)
	if err != nil {
		return nil, err
	}
	k.pairs[alias] = kp
	return kp, nil
}

// loadOrCreate returns plaintext material for alias; the caller owns and wipes it
func (k *keyring) loadOrCreate(ctx context.Context, alias string, kind Kind) ([]byte, error) {
	if k.backend == nil {
		return generate(kind)
	}

	for attempt := 0; attempt < 2; attempt++ {
		rec, found, err := k.backend.get(ctx, alias)
		if err != nil {
			return nil, fmt.Errorf("failed to load key %s: %w", alias, err)
		}
		if found {
			if rec.Kind != kind {
				return nil, fmt.Errorf("%s: %w", alias, ErrWrongKind)
			}
			plain, err := k.sealer.open(alias, rec.Wrapped)
			if err != nil {
				return nil, fmt.Errorf("failed to unwrap key %s: %w", alias, err)
			}
			return plain, nil
		}

		plain, err := generate(kind)
		if err != nil {
			return nil, err
		}
		wrapped, err := k.sealer.seal(alias, plain)
		if err != nil {
			memguard.WipeBytes(plain)
			return nil, err
		}
		err = k.backend.put(ctx, alias, record{Kind: kind, Wrapped: wrapped, CreatedAt: time.Now().UTC()})
		if errors.Is(err, errExists) {
			// lost the race; read the winner's key
			memguard.WipeBytes(plain)
			continue
		}
		if err != nil {
			memguard.WipeBytes(plain)
			return nil, fmt.Errorf("failed to persist key %s: %w", alias, err)
		}
		k.log.Info(ctx, "key created", "alias", alias, "kind", string(kind))
		return plain, nil
	}
	return nil, fmt.Errorf("failed to create key %s: concurrent creation", alias)
}

func (k *keyring) Delete(ctx context.Context, alias string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}

	_, cachedSym := k.symmetric[alias]
	_, cachedPair := k.pairs[alias]
	delete(k.symmetric, alias)
	delete(k.pairs, alias)

	if k.backend == nil {
		if !cachedSym && !cachedPair {
			return fmt.Errorf("%s: %w", alias, ErrNotFound)
		}
		return nil
	}
	if err := k.backend.remove(ctx, alias); err != nil {
		return err
	}
	k.log.Info(ctx, "key deleted", "alias", alias)
	return nil
}

func (k *keyring) Aliases(ctx context.Context) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}

	if k.backend != nil {
		return k.backend.aliases(ctx)
	}
	names := make([]string, 0, len(k.symmetric)+len(k.pairs))
	for alias := range k.symmetric {
		names = append(names, alias)
	}
	for alias := range k.pairs {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names, nil
}

func (k *keyring) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	k.symmetric = nil
	k.pairs = nil
	if k.sealer != nil {
		k.sealer.destroy()
	}
	if k.backend != nil {
		return k.backend.close()
	}
	return nil
}

func validateAlias(alias string) error {
	if alias == "" {
		return errors.New("alias cannot be empty")
	}
	if len(alias) > 128 {
		return errors.New("alias too long (max 128 characters)")
	}
	return nil
}
