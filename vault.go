// Package safesphere composes the encrypted local vault: a storage backend, a key
// store, the envelope service, the audit ledger, the item, password and user
// repositories and the key rotation manager.
package safesphere

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/envelope"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/mem"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/keystore"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/repository"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/rotation"
	"github.com/awnumar/memguard"
)

// Version is written into backups
const Version = "1.0.0"

var ErrClosed = errors.New("vault is closed")

func init() {
	memguard.CatchInterrupt()
}

// Dependencies are optional collaborators. Any left nil is built from Options,
// and then owned and closed by the Vault.
type Dependencies struct {
	Store  persist.Store
	Keys   keystore.Store
	Sink   audit.Sink
	Logger logging.Logger
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Vault is an opened vault. It is safe for concurrent use. Writes made through
// the repository handles wait for a running RestoreBackup and fail with ErrClosed
// once the vault is closed. The Rotation, Ledger and Envelope handles are not
// gated and must not be used after Close.
type Vault struct {
	opts  Options
	log   logging.Logger
	now   func() time.Time
	store persist.Store
	keys  keystore.Store

	envelope  *envelope.Service
	ledger    *audit.Ledger
	recorder  *audit.Recorder
	items     *repository.Items
	passwords *repository.Passwords
	users     *repository.Users
	rotation  *rotation.Manager

	protection mem.ProtectionLevel
	locked     bool

	// owned are closed in reverse order by Close
	owned []func() error

	// mu is held exclusively by restore and Close
	mu     sync.RWMutex
	// writes admits repository writes. Restore and Close hold it exclusively,
	// always after mu. closed changes only while both are held.
	writes sync.RWMutex
	closed bool
}

// New opens the vault described by opts, creating it on first use. An
// interrupted key rotation is finished before New returns.
func New(ctx context.Context, opts Options, deps Dependencies) (_ *Vault, err error) {
	opts = opts.withDefaults()
	if deps.Keys == nil {
		if err = opts.Validate(); err != nil {
			return nil, errs.New(errs.ErrInitialization, "vault.New", "", fmt.Errorf("invalid options: %w", err))
		}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	v := &Vault{
		opts:  opts,
		log:   logging.OrNop(deps.Logger).With("profile", opts.Profile),
		now:   deps.Now,
		store: deps.Store,
		keys:  deps.Keys,
	}
	defer func() {
		if err != nil {
			_ = v.release()
		}
	}()

	if v.store == nil {
		if v.store, err = persist.NewStore(opts.Store, opts.Profile); err != nil {
			return nil, errs.New(errs.ErrInitialization, "vault.New", "", fmt.Errorf("failed to create store: %w", err))
		}
		v.owned = append(v.owned, v.store.Close)
	}
	if err = v.store.Ping(ctx); err != nil {
		return nil, errs.New(errs.ErrInitialization, "vault.New", "", fmt.Errorf("failed to connect to storage backend: %w", err))
	}

	created, err := v.isNew(ctx)
	if err != nil {
		return nil, errs.New(errs.ErrInitialization, "vault.New", "", err)
	}

	if v.keys == nil {
		if v.keys, err = openKeyStore(ctx, opts, v.store, v.log); err != nil {
			return nil, errs.New(errs.ErrInitialization, "vault.New", "", err)
		}
		v.owned = append(v.owned, v.keys.Close)
	}

	v.envelope = envelope.New(v.keys, envelope.Options{}, v.log)
	if err = v.envelope.Initialize(ctx); err != nil {
		return nil, err
	}

	sink := deps.Sink
	if sink == nil {
		if sink, err = audit.NewSink(&opts.Audit); err != nil {
			return nil, errs.New(errs.ErrInitialization, "vault.New", "", fmt.Errorf("failed to create audit sink: %w", err))
		}
	}
	v.ledger = audit.NewLedger(v.store, audit.Options{Sink: sink, Logger: v.log, Now: v.now})
	if deps.Sink == nil {
		v.owned = append(v.owned, v.ledger.Close)
	}
	v.recorder = audit.NewRecorder(v.ledger, v.log)

	repoOpts := repository.Options{
		Store:  v.store,
		Crypto: v.envelope,
		Audit:  v.recorder,
		Logger: v.log,
		Now:    v.now,
		Admit:  v.admit,
	}
	if v.items, err = repository.OpenItems(ctx, repoOpts); err != nil {
		return nil, err
	}
	if v.passwords, err = repository.OpenPasswords(ctx, repoOpts); err != nil {
		return nil, err
	}
	userOpts := repository.UserOptions{AttemptInterval: opts.Auth.AttemptInterval, AttemptBurst: opts.Auth.AttemptBurst}
	if v.users, err = repository.OpenUsers(ctx, repoOpts, userOpts); err != nil {
		return nil, err
	}

	v.rotation, err = rotation.New(ctx, v.store, v.envelope,
		[]rotation.Target{v.items, v.passwords, v.users},
		rotation.Options{
			Audit:        v.recorder,
			Logger:       v.log,
			Now:          v.now,
			AutoRotate:   opts.Rotation.AutoRotate,
			IntervalDays: opts.Rotation.IntervalDays,
		})
	if err != nil {
		return nil, err
	}

	if opts.EnableMemoryLock {
		v.lockMemory(ctx)
	}

	if res, resumed := v.rotation.Resume(ctx); resumed {
		if !res.Success {
			v.log.Warn(ctx, "interrupted key rotation is still pending", "new_key_id", res.NewKeyID, "message", res.Message)
		} else {
			v.log.Info(ctx, "interrupted key rotation finished", "new_key_id", res.NewKeyID)
		}
	}

	action := audit.VaultOpened
	if created {
		action = audit.VaultCreated
	}
	v.recorder.Record(ctx, audit.Record{
		Action:  action,
		Actor:   audit.ActorSystem,
		Details: fmt.Sprintf("store=%s memory_protection=%s key=%s", v.store.GetType(), v.protection, v.envelope.CurrentKeyID()),
	})
	v.log.Info(ctx, "vault opened", "created", created, "store", v.store.GetType(), "key_id", v.envelope.CurrentKeyID())
	return v, nil
}

// isNew reports whether the store holds no vault yet
func (v *Vault) isNew(ctx context.Context) (bool, error) {
	for _, name := range []string{audit.DocumentName, rotation.DocumentName} {
		exists, err := v.store.DocumentExists(ctx, name)
		if err != nil {
			return false, fmt.Errorf("failed to inspect store: %w", err)
		}
		if exists {
			return false, nil
		}
	}
	return true, nil
}

func openKeyStore(ctx context.Context, opts Options, store persist.Store, log logging.Logger) (keystore.Store, error) {
	if opts.KeyStore.Type == KeyStoreMemory {
		return keystore.NewMemoryStore(log), nil
	}
	passphrase, err := opts.passphrase()
	if err != nil {
		return nil, fmt.Errorf("failed to set up key store: %w", err)
	}
	ksOpts := keystore.Options{Passphrase: passphrase, Logger: log}
	if opts.KeyStore.Type == KeyStoreBolt {
		ks, err := keystore.OpenBoltStore(opts.KeyStore.Path, ksOpts)
		if err != nil {
			return nil, err
		}
		return ks, nil
	}
	ks, err := keystore.OpenDocumentStore(ctx, store, ksOpts)
	if err != nil {
		return nil, err
	}
	return ks, nil
}

// lockMemory keeps key material out of swap where the platform allows it.
// Failure is not fatal; memguard enclaves still protect the keys.
func (v *Vault) lockMemory(ctx context.Context) {
	level, err := mem.Lock()
	v.protection = level
	if err != nil {
		v.log.Warn(ctx, "cannot fully protect memory", "level", level.String(), "error", err)
		return
	}
	v.locked = level != mem.ProtectionNone
}

// admit is the repositories' write gate
func (v *Vault) admit() (func(), error) {
	v.writes.RLock()
	if v.closed {
		v.writes.RUnlock()
		return nil, ErrClosed
	}
	return v.writes.RUnlock, nil
}

func (v *Vault) Items() *repository.Items {
	return v.items
}

func (v *Vault) Passwords() *repository.Passwords {
	return v.passwords
}

func (v *Vault) Users() *repository.Users {
	return v.users
}

func (v *Vault) Rotation() *rotation.Manager {
	return v.rotation
}

func (v *Vault) Ledger() *audit.Ledger {
	return v.ledger
}

func (v *Vault) Envelope() *envelope.Service {
	return v.envelope
}

// RotateKey moves the vault to a new key. See rotation.Manager.RotateVaultKey.
func (v *Vault) RotateKey(ctx context.Context, reEncryptAll bool, reason string) rotation.Result {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return rotation.Result{Message: ErrClosed.Error()}
	}
	return v.rotation.RotateVaultKey(ctx, reEncryptAll, reason)
}

// VerifyAuditTrail replays the audit chain and records the outcome in it.
func (v *Vault) VerifyAuditTrail(ctx context.Context) (audit.Finding, error) {
	finding, err := v.ledger.VerifyIntegrity(ctx)
	if err != nil {
		return finding, err
	}
	result := audit.ResultSuccess
	if !finding.Valid {
		result = audit.Failure(string(finding.Violation))
		v.log.Error(ctx, "audit chain failed verification", "violation", finding.Violation, "index", finding.Index, "entry_id", finding.EntryID)
	}
	v.recorder.Record(ctx, audit.Record{Action: audit.ChainVerified, Actor: audit.ActorSystem, Result: result, Details: finding.Message})
	return finding, nil
}

// VerifyRecords checks every record signature without decrypting anything and
// returns the failing ids per repository. Each failure is audited.
func (v *Vault) VerifyRecords(ctx context.Context) map[string][]string {
	bad := make(map[string][]string)
	for _, r := range []interface {
		Name() string
		Verify() []string
	}{v.items, v.passwords, v.users} {
		ids := r.Verify()
		if len(ids) == 0 {
			continue
		}
		bad[r.Name()] = ids
		for _, id := range ids {
			v.recorder.Record(ctx, audit.Record{
				Action:  audit.IntegrityFailure,
				ItemID:  id,
				Actor:   audit.ActorSystem,
				Result:  audit.Failure("signature mismatch"),
				Details: r.Name(),
			})
		}
	}
	return bad
}

// ResetAuditTrail clears the audit chain. The new chain starts with the reset.
func (v *Vault) ResetAuditTrail(ctx context.Context, reason string) (audit.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return audit.Entry{}, ErrClosed
	}
	return v.ledger.Reset(ctx, audit.ActorUser, reason)
}

// AuditStatus reports whether audit entries have been lost.
func (v *Vault) AuditStatus() audit.Status {
	return v.recorder.Status()
}

// AuditDegraded reports whether any audit entry failed to reach the ledger.
func (v *Vault) AuditDegraded() bool {
	return v.recorder.Status().Degraded
}

// Status summarises the vault without decrypting anything.
type Status struct {
	Profile           string           `json:"profile" yaml:"profile"`
	StoreType         string           `json:"storeType" yaml:"store_type"`
	CurrentKeyID      string           `json:"currentKeyId" yaml:"current_key_id"`
	MemoryProtection  string           `json:"memoryProtection" yaml:"memory_protection"`
	Items             int              `json:"items" yaml:"items"`
	Passwords         int              `json:"passwords" yaml:"passwords"`
	Users             int              `json:"users" yaml:"users"`
	PasswordStats     repository.Stats `json:"passwordStats" yaml:"password_stats"`
	RotationNeeded    bool             `json:"rotationNeeded" yaml:"rotation_needed"`
	DaysUntilRotation int              `json:"daysUntilRotation" yaml:"days_until_rotation"`
	Audit             audit.Status     `json:"audit" yaml:"audit"`
}

func (v *Vault) Status() Status {
	return Status{
		Profile:           v.opts.Profile,
		StoreType:         v.store.GetType(),
		CurrentKeyID:      v.envelope.CurrentKeyID(),
		MemoryProtection:  v.protection.String(),
		Items:             v.items.Len(),
		Passwords:         v.passwords.Len(),
		Users:             v.users.Len(),
		PasswordStats:     v.passwords.Stats(),
		RotationNeeded:    v.rotation.IsRotationNeeded(),
		DaysUntilRotation: v.rotation.DaysUntilRotation(),
		Audit:             v.recorder.Status(),
	}
}

// Close records VAULT_LOCKED and releases everything the vault opened.
// Collaborators passed in Dependencies stay open.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.writes.Lock()
	defer v.writes.Unlock()
	v.recorder.Record(context.Background(), audit.Record{Action: audit.VaultLocked, Actor: audit.ActorSystem})
	v.closed = true
	return v.release()
}

func (v *Vault) release() error {
	var errList []error
	for i := len(v.owned) - 1; i >= 0; i-- {
		if err := v.owned[i](); err != nil {
			errList = append(errList, err)
		}
	}
	v.owned = nil
	if v.locked {
		if err := mem.Unlock(); err != nil {
			errList = append(errList, fmt.Errorf("failed to unlock memory: %w", err))
		}
		v.locked = false
	}
	return errors.Join(errList...)
}
