package rotation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/envelope"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/keystore"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingTarget stops re-encrypting once its budget is spent
type failingTarget struct {
	Target
	budget int
}

func (f *failingTarget) Reencrypt(ctx context.Context, id, keyID string) error {
	if f.budget <= 0 {
		return errors.New("injected failure")
	}
	f.budget--
	return f.Target.Reencrypt(ctx, id, keyID)
}

type fixture struct {
	store  persist.Store
	keys   keystore.Store
	env    *envelope.Service
	ledger *audit.Ledger
	items  *repository.Items
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := persist.NewFileSystemStore(t.TempDir(), "rotation-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store: store,
		keys:  keystore.NewMemoryStore(nil),
		clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.env = envelope.New(f.keys, envelope.Options{}, nil)
	require.NoError(t, f.env.Initialize(ctx))
	f.ledger = audit.NewLedger(store, audit.Options{})

	f.items, err = repository.OpenItems(ctx, repository.Options{Store: store, Crypto: f.env})
	require.NoError(t, err)
	return f
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) manager(t *testing.T, targets ...Target) *Manager {
	t.Helper()
	if len(targets) == 0 {
		targets = []Target{f.items}
	}
	m, err := New(context.Background(), f.store, f.env, targets, Options{
		Audit: audit.NewRecorder(f.ledger, nil),
		Now:   f.now,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) addItems(t *testing.T, n int) map[string]string {
	t.Helper()
	plain := make(map[string]string, n)
	for i := range n {
		content := fmt.Sprintf("secret number %d", i)
		rec, err := f.items.Add(context.Background(), repository.Draft[repository.ItemCategory]{
			Title:    fmt.Sprintf("item %d", i),
			Content:  content,
			Category: repository.ItemNotes,
		})
		require.NoError(t, err)
		plain[rec.ID] = content
	}
	return plain
}

func (f *fixture) assertReadable(t *testing.T, plain map[string]string, keyID string) {
	t.Helper()
	for id, want := range plain {
		got, err := f.items.GetDecrypted(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Content)
		if keyID != "" {
			assert.Equal(t, keyID, got.KeyID)
		}
	}
}

func TestRotateReEncryptsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plain := f.addItems(t, 5)
	m := f.manager(t)

	res := m.RotateVaultKey(ctx, true, "scheduled")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 5, res.ItemsReEncrypted)
	assert.Equal(t, envelope.DefaultKeyID, res.OldKeyID)
	assert.NotEqual(t, res.OldKeyID, res.NewKeyID)
	assert.Equal(t, res.NewKeyID, f.env.CurrentKeyID())

	f.assertReadable(t, plain, res.NewKeyID)

	rec := m.Record()
	assert.Nil(t, rec.InProgress)
	assert.Equal(t, res.NewKeyID, rec.CurrentKeyID)
	require.Len(t, rec.History, 1)
	assert.Equal(t, Event{
		OldKeyID:         envelope.DefaultKeyID,
		NewKeyID:         res.NewKeyID,
		Timestamp:        f.clock.UnixMilli(),
		Reason:           "scheduled",
		ItemsReEncrypted: 5,
	}, rec.History[0])

	entries, err := f.ledger.Entries(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, audit.KeyRotated, last.Action)
	assert.True(t, last.Succeeded())
}

func TestRotateWithoutReEncryption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plain := f.addItems(t, 3)
	m := f.manager(t)

	res := m.RotateVaultKey(ctx, false, "")
	require.True(t, res.Success, res.Message)
	assert.Zero(t, res.ItemsReEncrypted)
	assert.Equal(t, res.NewKeyID, f.env.CurrentKeyID())

	// old records keep their key and still open
	f.assertReadable(t, plain, envelope.DefaultKeyID)

	rec, err := f.items.Add(ctx, repository.Draft[repository.ItemCategory]{Title: "new", Content: "fresh", Category: repository.ItemOther})
	require.NoError(t, err)
	assert.Equal(t, res.NewKeyID, rec.KeyID)
}

func TestInterruptedRotationResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plain := f.addItems(t, 5)

	broken := &failingTarget{Target: f.items, budget: 2}
	m := f.manager(t, broken)

	res := m.RotateVaultKey(ctx, true, "compromise")
	require.False(t, res.Success)
	assert.Equal(t, 2, res.ItemsReEncrypted)
	assert.Contains(t, res.Message, "injected failure")
	assert.Equal(t, envelope.DefaultKeyID, f.env.CurrentKeyID(), "current key is unchanged")
	assert.Empty(t, m.History())

	// a mixed vault stays readable
	f.assertReadable(t, plain, "")

	marker := m.Record().InProgress
	require.NotNil(t, marker)
	assert.Equal(t, res.NewKeyID, marker.NewKeyID)
	assert.Len(t, marker.MigratedIDs, 2)

	// the marker survives a restart
	reopened := f.manager(t)
	resumed, ok := reopened.Resume(ctx)
	require.True(t, ok)
	require.True(t, resumed.Success, resumed.Message)
	assert.Equal(t, res.NewKeyID, resumed.NewKeyID, "same new key")
	assert.Equal(t, 3, resumed.ItemsReEncrypted)
	assert.Equal(t, resumed.NewKeyID, f.env.CurrentKeyID())

	f.assertReadable(t, plain, resumed.NewKeyID)

	history := reopened.History()
	require.Len(t, history, 1)
	assert.Equal(t, 5, history[0].ItemsReEncrypted)
	assert.Equal(t, "compromise", history[0].Reason)

	_, ok = reopened.Resume(ctx)
	assert.False(t, ok)
}

func TestRotateResumesPendingMarkerFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addItems(t, 2)

	first := f.manager(t, &failingTarget{Target: f.items, budget: 1}).RotateVaultKey(ctx, true, "")
	require.False(t, first.Success)

	res := f.manager(t).RotateVaultKey(ctx, false, "ignored")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, first.NewKeyID, res.NewKeyID)
	assert.Equal(t, 1, res.ItemsReEncrypted)
	assert.Empty(t, f.items.PendingIDs(res.NewKeyID))
}

func TestHistoryIsCapped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t)

	var last Result
	for range HistoryLimit + 2 {
		last = m.RotateVaultKey(ctx, true, "")
		require.True(t, last.Success, last.Message)
	}

	history := m.History()
	require.Len(t, history, HistoryLimit)
	assert.Equal(t, last.NewKeyID, history[HistoryLimit-1].NewKeyID)
	assert.NotEqual(t, envelope.DefaultKeyID, history[0].OldKeyID, "oldest events were dropped")
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t)

	assert.False(t, m.IsRotationNeeded())
	assert.Equal(t, -1, m.DaysUntilRotation(), "auto-rotation is off by default")

	require.NoError(t, m.Configure(ctx, true, 30))
	assert.False(t, m.IsRotationNeeded())
	assert.Equal(t, 30, m.DaysUntilRotation())

	f.clock = f.clock.Add(10*24*time.Hour + time.Hour)
	assert.Equal(t, 19, m.DaysUntilRotation())

	f.clock = f.clock.Add(25 * 24 * time.Hour)
	assert.True(t, m.IsRotationNeeded())
	assert.Equal(t, 0, m.DaysUntilRotation())

	require.True(t, m.RotateVaultKey(ctx, true, "due").Success)
	assert.False(t, m.IsRotationNeeded())
	assert.Equal(t, 30, m.DaysUntilRotation())

	assert.Error(t, m.Configure(ctx, true, 0))

	require.NoError(t, m.Configure(ctx, false, 30))
	assert.Equal(t, -1, m.DaysUntilRotation())
}

func TestReopenActivatesRecordedKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plain := f.addItems(t, 2)

	res := f.manager(t).RotateVaultKey(ctx, true, "")
	require.True(t, res.Success, res.Message)

	// a fresh process starts on the default key until the record is loaded
	f.env = envelope.New(f.keys, envelope.Options{}, nil)
	require.NoError(t, f.env.Initialize(ctx))
	require.Equal(t, envelope.DefaultKeyID, f.env.CurrentKeyID())

	var err error
	f.items, err = repository.OpenItems(ctx, repository.Options{Store: f.store, Crypto: f.env})
	require.NoError(t, err)
	f.manager(t)

	assert.Equal(t, res.NewKeyID, f.env.CurrentKeyID())
	f.assertReadable(t, plain, res.NewKeyID)
}

func TestRecordDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		rec  Record
		due  bool
		days int
	}{
		{"disabled", Record{IntervalDays: 7, LastRotation: now.UnixMilli()}, false, -1},
		{"no interval", Record{AutoRotate: true, LastRotation: now.UnixMilli()}, false, -1},
		{"fresh", Record{AutoRotate: true, IntervalDays: 7, LastRotation: now.UnixMilli()}, false, 7},
		{"partial day", Record{AutoRotate: true, IntervalDays: 7, LastRotation: now.Add(-36 * time.Hour).UnixMilli()}, false, 5},
		{"overdue", Record{AutoRotate: true, IntervalDays: 7, LastRotation: now.Add(-8 * 24 * time.Hour).UnixMilli()}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, days := tt.rec.due(now)
			assert.Equal(t, tt.due, due)
			assert.Equal(t, tt.days, days)
		})
	}
}
