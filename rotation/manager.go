// Package rotation moves the vault to a fresh symmetric key and keeps the
// rotation schedule and history.
//
// Re-encryption is resumable. Before the first record moves, an in-progress
// marker naming the new key is persisted, and every migrated id is appended to
// it. The current key only changes once nothing is left under another key, so
// an interrupted rotation leaves the vault readable and a later call picks up
// the same new key where the previous one stopped.
package rotation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	vcrypto "github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/crypto"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
)

// KeyRing owns the symmetric keys. *envelope.Service implements it.
type KeyRing interface {
	CurrentKeyID() string
	PrepareKey(ctx context.Context, keyID string) error
	ActivateKey(ctx context.Context, keyID string) error
}

// Target is a collection whose records can be moved to another key.
// The repositories implement it.
type Target interface {
	Name() string
	PendingIDs(keyID string) []string
	Reencrypt(ctx context.Context, id, keyID string) error
}

// Auditor records rotation events. *audit.Recorder implements it.
type Auditor interface {
	Record(ctx context.Context, rec audit.Record) bool
}

type Options struct {
	Audit  Auditor
	Logger logging.Logger
	Now    func() time.Time

	// AutoRotate and IntervalDays seed the schedule when no rotation record exists.
	// Use Configure to change a persisted schedule.
	AutoRotate   bool
	IntervalDays int
}

// Result describes one RotateVaultKey call. On failure the current key is
// unchanged and ItemsReEncrypted counts what this call migrated before stopping.
type Result struct {
	Success          bool   `json:"success"`
	OldKeyID         string `json:"oldKeyId"`
	NewKeyID         string `json:"newKeyId"`
	ItemsReEncrypted int    `json:"itemsReEncrypted"`
	Message          string `json:"message"`
}

type Manager struct {
	store   persist.Store
	keys    KeyRing
	targets []Target
	audit   Auditor
	log     logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	rec     Record
	version string
}

// New loads the rotation record, creating it on first use, and makes the
// recorded current key the key ring's current key.
func New(ctx context.Context, store persist.Store, keys KeyRing, targets []Target, opts Options) (*Manager, error) {
	if store == nil || keys == nil {
		return nil, errs.New(errs.ErrInitialization, "rotation.New", "", errors.New("store and key ring are required"))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IntervalDays == 0 {
		opts.IntervalDays = DefaultIntervalDays
	}
	m := &Manager{
		store:   store,
		keys:    keys,
		targets: targets,
		audit:   opts.Audit,
		log:     logging.OrNop(opts.Logger).With("component", "rotation"),
		now:     opts.Now,
	}

	rec, version, err := m.load(ctx)
	if err != nil {
		return nil, errs.New(errs.ErrInitialization, "rotation.New", "", err)
	}
	m.rec, m.version = rec, version

	if version == persist.VersionNone {
		m.log.Info(ctx, "creating rotation record", "key_id", keys.CurrentKeyID())
		fresh := Record{
			CurrentKeyID: keys.CurrentKeyID(),
			LastRotation: m.now().UnixMilli(),
			IntervalDays: opts.IntervalDays,
			AutoRotate:   opts.AutoRotate,
			History:      []Event{},
		}
		if err = m.save(ctx, fresh); err != nil {
			return nil, errs.New(errs.ErrInitialization, "rotation.New", "", err)
		}
		return m, nil
	}

	if rec.CurrentKeyID != "" && rec.CurrentKeyID != keys.CurrentKeyID() {
		if err = keys.ActivateKey(ctx, rec.CurrentKeyID); err != nil {
			return nil, errs.New(errs.ErrInitialization, "rotation.New", rec.CurrentKeyID, err)
		}
	}
	return m, nil
}

func (m *Manager) load(ctx context.Context) (Record, string, error) {
	vd, err := m.store.LoadDocument(ctx, DocumentName)
	if errors.Is(err, persist.ErrNotFound) {
		return Record{}, persist.VersionNone, nil
	}
	if err != nil {
		return Record{}, "", err
	}
	var rec Record
	if err = json.Unmarshal(vd.Data, &rec); err != nil {
		return Record{}, "", fmt.Errorf("failed to parse rotation record: %w", err)
	}
	return rec, vd.Version, nil
}

// save persists next and makes it current. Callers hold m.mu, except New.
func (m *Manager) save(ctx context.Context, next Record) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal rotation record: %w", err)
	}
	version, err := m.store.SaveDocument(ctx, DocumentName, data, m.version)
	if err != nil {
		return fmt.Errorf("failed to save rotation record: %w", err)
	}
	m.rec, m.version = next, version
	return nil
}

// Reload re-reads the rotation record, for example after a backup restore.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, version, err := m.load(ctx)
	if err != nil {
		return errs.New(errs.ErrPersistence, "rotation.Reload", "", err)
	}
	if version == persist.VersionNone {
		return errs.NotFound("rotation.Reload", DocumentName)
	}
	if rec.CurrentKeyID != "" {
		if err = m.keys.ActivateKey(ctx, rec.CurrentKeyID); err != nil {
			return errs.New(errs.ErrInitialization, "rotation.Reload", rec.CurrentKeyID, err)
		}
	}
	m.rec, m.version = rec, version
	return nil
}

// generateKeyID returns a random key id, retrying on a collision with the
// current or previous keys
func (m *Manager) generateKeyID() (string, error) {
	used := map[string]bool{m.rec.CurrentKeyID: true}
	for _, e := range m.rec.History {
		used[e.OldKeyID], used[e.NewKeyID] = true, true
	}
	for range 5 {
		buf, err := vcrypto.RandomBytes(8)
		if err != nil {
			return "", err
		}
		if vcrypto.IsWeakKey(buf) {
			continue
		}
		if id := "key-" + hex.EncodeToString(buf); !used[id] {
			return id, nil
		}
	}
	return "", errors.New("could not generate a unique key id")
}

// RotateVaultKey switches the vault to a new key. With reEncryptAll every record
// is moved to the new key before the switch; without it existing records stay
// under the key they carry. An unfinished earlier rotation is always resumed
// first, whatever reEncryptAll says.
func (m *Manager) RotateVaultKey(ctx context.Context, reEncryptAll bool, reason string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotate(ctx, reEncryptAll, reason, audit.ActorUser)
}

// Resume finishes an interrupted rotation. It reports false when there is none.
func (m *Manager) Resume(ctx context.Context) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.InProgress == nil {
		return Result{}, false
	}
	return m.rotate(ctx, true, m.rec.InProgress.Reason, audit.ActorSystem), true
}

func (m *Manager) rotate(ctx context.Context, reEncryptAll bool, reason, actor string) Result {
	oldKeyID := m.rec.CurrentKeyID
	if oldKeyID == "" {
		oldKeyID = m.keys.CurrentKeyID()
	}
	res := Result{OldKeyID: oldKeyID}

	fail := func(newKeyID string, err error) Result {
		res.NewKeyID = newKeyID
		res.Message = fmt.Sprintf("rotation failed after %d items: %v", res.ItemsReEncrypted, err)
		m.log.Error(ctx, "key rotation failed", "old_key_id", oldKeyID, "new_key_id", newKeyID,
			"migrated", res.ItemsReEncrypted, "error", err)
		m.record(ctx, actor, audit.Failure(err.Error()), res.Message)
		return res
	}

	progress := m.rec.InProgress
	resumed := progress != nil
	if resumed {
		m.log.Info(ctx, "resuming key rotation", "new_key_id", progress.NewKeyID, "migrated", len(progress.MigratedIDs))
		reEncryptAll = true
		reason = progress.Reason
	} else {
		newKeyID, err := m.generateKeyID()
		if err != nil {
			return fail("", err)
		}
		progress = &Progress{OldKeyID: oldKeyID, NewKeyID: newKeyID, Reason: reason, StartedAt: m.now().UnixMilli()}
	}
	newKeyID := progress.NewKeyID

	if err := m.keys.PrepareKey(ctx, newKeyID); err != nil {
		return fail(newKeyID, err)
	}

	if reEncryptAll {
		if !resumed {
			marked := m.rec.clone()
			marked.InProgress = progress
			if err := m.save(ctx, marked); err != nil {
				return fail(newKeyID, err)
			}
		}
		if err := m.migrate(ctx, newKeyID, &res); err != nil {
			return fail(newKeyID, err)
		}
	}

	done := m.rec.clone()
	total := res.ItemsReEncrypted
	if done.InProgress != nil {
		total = len(done.InProgress.MigratedIDs)
	}
	done.CurrentKeyID = newKeyID
	done.LastRotation = m.now().UnixMilli()
	done.InProgress = nil
	done.appendEvent(Event{
		OldKeyID:         progress.OldKeyID,
		NewKeyID:         newKeyID,
		Timestamp:        done.LastRotation,
		Reason:           reason,
		ItemsReEncrypted: total,
	})
	if err := m.save(ctx, done); err != nil {
		return fail(newKeyID, err)
	}
	if err := m.keys.ActivateKey(ctx, newKeyID); err != nil {
		// the record already names the new key; the next open activates it
		m.log.Error(ctx, "failed to activate rotated key", "new_key_id", newKeyID, "error", err)
	}

	// records written under the old key while the swap was in flight
	if reEncryptAll {
		if err := m.migrate(ctx, newKeyID, nil); err != nil {
			m.log.Warn(ctx, "late records left under previous key", "error", err)
		}
	}

	res.Success = true
	res.OldKeyID = progress.OldKeyID
	res.NewKeyID = newKeyID
	res.Message = fmt.Sprintf("rotated %s to %s, %d items re-encrypted", progress.OldKeyID, newKeyID, res.ItemsReEncrypted)
	if resumed {
		res.Message += fmt.Sprintf(" (resumed, %d in total)", total)
	}
	m.log.Info(ctx, "key rotated", "old_key_id", progress.OldKeyID, "new_key_id", newKeyID, "migrated", res.ItemsReEncrypted)
	m.record(ctx, actor, audit.ResultSuccess, res.Message)
	return res
}

// migrate moves every record not under keyID. With res set, each move is
// counted and appended to the persisted marker.
func (m *Manager) migrate(ctx context.Context, keyID string, res *Result) error {
	for _, t := range m.targets {
		for _, id := range t.PendingIDs(keyID) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.Reencrypt(ctx, id, keyID); err != nil {
				return fmt.Errorf("%s %s: %w", t.Name(), id, err)
			}
			if res == nil {
				continue
			}
			res.ItemsReEncrypted++
			marked := m.rec.clone()
			marked.InProgress.MigratedIDs = append(marked.InProgress.MigratedIDs, id)
			if err := m.save(ctx, marked); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) record(ctx context.Context, actor, result, details string) {
	if m.audit == nil {
		return
	}
	m.audit.Record(ctx, audit.Record{Action: audit.KeyRotated, Actor: actor, Result: result, Details: details})
}

// Configure changes the rotation schedule.
func (m *Manager) Configure(ctx context.Context, autoRotate bool, intervalDays int) error {
	if intervalDays <= 0 {
		return errs.New(errs.ErrValidation, "rotation.Configure", "", errors.New("interval must be at least one day"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.rec.clone()
	next.AutoRotate, next.IntervalDays = autoRotate, intervalDays
	if err := m.save(ctx, next); err != nil {
		return errs.New(errs.ErrPersistence, "rotation.Configure", "", err)
	}
	return nil
}

// IsRotationNeeded reports whether the interval has elapsed since the last rotation.
func (m *Manager) IsRotationNeeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	due, _ := m.rec.due(m.now())
	return due
}

// DaysUntilRotation returns whole days left before rotation is due, 0 when it
// is due and -1 when auto-rotation is off.
func (m *Manager) DaysUntilRotation() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, days := m.rec.due(m.now())
	return days
}

// History returns completed rotations, oldest first.
func (m *Manager) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.clone().History
}

// Record returns a copy of the persisted rotation state.
func (m *Manager) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.clone()
}
