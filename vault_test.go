package safesphere

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/keystore"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passPhrase = "this-is-a-secure-passphrase-for-testing"

// auditBlockingStore fails writes of the audit document while blocked is set
type auditBlockingStore struct {
	persist.Store
	blocked atomic.Bool
}

func (s *auditBlockingStore) SaveDocument(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if name == audit.DocumentName && s.blocked.Load() {
		return "", errors.New("audit volume offline")
	}
	return s.Store.SaveDocument(ctx, name, data, expectedVersion)
}

type testEnv struct {
	dir   string
	store *auditBlockingStore
	keys  keystore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	fs, err := persist.NewFileSystemStore(dir, DefaultProfile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return &testEnv{dir: dir, store: &auditBlockingStore{Store: fs}, keys: keystore.NewMemoryStore(nil)}
}

func (e *testEnv) open(t *testing.T) *Vault {
	t.Helper()
	opts := DefaultOptions(e.dir)
	opts.EnableMemoryLock = false
	v, err := New(context.Background(), opts, Dependencies{Store: e.store, Keys: e.keys})
	require.NoError(t, err)
	return v
}

func actions(t *testing.T, l *audit.Ledger) []audit.Action {
	t.Helper()
	entries, err := l.Entries(context.Background())
	require.NoError(t, err)
	out := make([]audit.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestVaultLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	v := env.open(t)
	item, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{
		Title: "Passport", Content: "X1234567", Category: repository.ItemIdentity,
	})
	require.NoError(t, err)
	require.NoError(t, v.Close())
	require.NoError(t, v.Close(), "close is idempotent")

	v = env.open(t)
	defer v.Close()

	got, err := v.Items().GetDecrypted(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "X1234567", got.Content)

	assert.Equal(t, []audit.Action{
		audit.VaultCreated,
		audit.ItemAdded,
		audit.VaultLocked,
		audit.VaultOpened,
		audit.ItemAccessed,
	}, actions(t, v.Ledger()))

	finding, err := v.VerifyAuditTrail(ctx)
	require.NoError(t, err)
	assert.True(t, finding.Valid, finding.Message)
	assert.Equal(t, 5, finding.Verified)
	assert.Equal(t, audit.ChainVerified, actions(t, v.Ledger())[5])
}

func TestVaultWithDocumentKeyStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.EnableMemoryLock = false
	opts.Passphrase = passPhrase

	v, err := New(ctx, opts, Dependencies{})
	require.NoError(t, err)
	rec, err := v.Passwords().Add(ctx, repository.Draft[repository.PasswordCategory]{
		Title: "bank", Content: "Tr0ub4dor&3-horse", Category: repository.PasswordBanking,
	})
	require.NoError(t, err)
	require.NoError(t, v.Close())

	wrong := opts
	wrong.Passphrase = "not-the-right-passphrase"
	_, err = New(ctx, wrong, Dependencies{})
	assert.ErrorIs(t, err, errs.ErrInitialization)

	t.Setenv("SAFESPHERE_TEST_PASSPHRASE", passPhrase)
	fromEnv := opts
	fromEnv.Passphrase = ""
	fromEnv.EnvPassphraseVar = "SAFESPHERE_TEST_PASSPHRASE"
	v, err = New(ctx, fromEnv, Dependencies{})
	require.NoError(t, err)
	defer v.Close()

	got, err := v.Passwords().GetDecrypted(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tr0ub4dor&3-horse", got.Content)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"defaults need a passphrase", func(o *Options) {}, "Passphrase or EnvPassphraseVar"},
		{"passphrase", func(o *Options) { o.Passphrase = passPhrase }, ""},
		{"env var", func(o *Options) { o.EnvPassphraseVar = "X" }, ""},
		{"memory needs nothing", func(o *Options) { o.KeyStore.Type = KeyStoreMemory }, ""},
		{"bolt needs a path", func(o *Options) { o.Passphrase = passPhrase; o.KeyStore.Type = KeyStoreBolt }, "requires a path"},
		{"unknown key store", func(o *Options) { o.KeyStore.Type = "hsm" }, "unsupported key store type"},
		{"negative interval", func(o *Options) {
			o.Passphrase = passPhrase
			o.Rotation.IntervalDays = -1
		}, "cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions(t.TempDir())
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestVaultRotateKey(t *testing.T) {
	ctx := context.Background()
	v := newTestEnv(t).open(t)
	defer v.Close()

	item, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "note", Content: "remember", Category: repository.ItemNotes})
	require.NoError(t, err)
	pw, err := v.Passwords().Add(ctx, repository.Draft[repository.PasswordCategory]{Title: "mail", Content: "hunter2-hunter2", Category: repository.PasswordEmail})
	require.NoError(t, err)
	user, err := v.Users().Register(ctx, "owner", "owner@example.com", "0wner-Passphrase", repository.RoleOwner)
	require.NoError(t, err)

	res := v.RotateKey(ctx, true, "test")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 3, res.ItemsReEncrypted)
	assert.Equal(t, res.NewKeyID, v.Status().CurrentKeyID)

	gotItem, err := v.Items().GetDecrypted(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "remember", gotItem.Content)
	gotPw, err := v.Passwords().GetDecrypted(ctx, pw.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2-hunter2", gotPw.Content)
	who, err := v.Users().Authenticate(ctx, "owner", "0wner-Passphrase")
	require.NoError(t, err)
	assert.Equal(t, user.ID, who.ID)
}

func TestVaultVerifyRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.open(t)
	defer v.Close()

	good, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "a", Content: "1", Category: repository.ItemOther})
	require.NoError(t, err)
	bad, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "b", Content: "2", Category: repository.ItemOther})
	require.NoError(t, err)
	assert.Empty(t, v.VerifyRecords(ctx))

	// rename a record behind the vault's back
	vd, err := env.store.LoadDocument(ctx, repository.ItemsDocument)
	require.NoError(t, err)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(vd.Data, &docs))
	docs[1]["title"] = "renamed"
	data, err := json.Marshal(docs)
	require.NoError(t, err)
	_, err = env.store.SaveDocument(ctx, repository.ItemsDocument, data, vd.Version)
	require.NoError(t, err)
	require.NoError(t, v.Items().Reload(ctx))

	assert.Equal(t, map[string][]string{repository.ItemsDocument: {bad.ID}}, v.VerifyRecords(ctx))

	custody, err := v.Ledger().GetChainOfCustody(ctx, bad.ID)
	require.NoError(t, err)
	require.NotEmpty(t, custody)
	assert.Equal(t, audit.IntegrityFailure, custody[len(custody)-1].Action)

	_, err = v.Items().GetDecrypted(ctx, good.ID)
	assert.NoError(t, err)
}

func TestVaultAuditDegraded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.open(t)
	defer v.Close()
	require.False(t, v.AuditDegraded())

	env.store.blocked.Store(true)
	_, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "kept", Content: "x", Category: repository.ItemOther})
	require.NoError(t, err, "a lost audit entry does not fail the vault operation")
	assert.True(t, v.AuditDegraded())
	assert.Equal(t, 1, v.AuditStatus().Missed)

	env.store.blocked.Store(false)
	assert.Equal(t, 1, v.Items().Len())
	assert.True(t, v.Status().Audit.Degraded, "stays degraded until acknowledged")
}

func TestVaultResetAuditTrail(t *testing.T) {
	ctx := context.Background()
	v := newTestEnv(t).open(t)
	defer v.Close()

	entry, err := v.ResetAuditTrail(ctx, "retention")
	require.NoError(t, err)
	assert.Equal(t, audit.AuditReset, entry.Action)
	assert.Equal(t, audit.Genesis, entry.PreviousHash)
	assert.Equal(t, []audit.Action{audit.AuditReset}, actions(t, v.Ledger()))
}

func TestVaultStatus(t *testing.T) {
	ctx := context.Background()
	v := newTestEnv(t).open(t)
	defer v.Close()

	_, err := v.Passwords().Add(ctx, repository.Draft[repository.PasswordCategory]{Title: "weak", Content: "password", Category: repository.PasswordOther})
	require.NoError(t, err)

	s := v.Status()
	assert.Equal(t, DefaultProfile, s.Profile)
	assert.Equal(t, "filesystem", s.StoreType)
	assert.Equal(t, 1, s.Passwords)
	assert.Equal(t, 1, s.PasswordStats.Weak)
	assert.False(t, s.RotationNeeded)
	assert.Equal(t, -1, s.DaysUntilRotation)
	assert.Equal(t, "none", s.MemoryProtection)
}

func TestClosedVault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.open(t)
	rec, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "will", Content: "last testament", Category: repository.ItemLegal})
	require.NoError(t, err)
	before, err := env.store.LoadDocument(ctx, repository.ItemsDocument)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	assert.False(t, v.RotateKey(ctx, false, "").Success)
	_, err = v.CreateBackup(ctx, passPhrase)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = v.ResetAuditTrail(ctx, "")
	assert.ErrorIs(t, err, ErrClosed)

	// repository handles obtained before or after Close refuse to write
	_, err = v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "late", Content: "x", Category: repository.ItemNotes})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, v.Items().Delete(ctx, rec.ID), ErrClosed)
	_, err = v.Items().SetFavorite(ctx, rec.ID, true)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = v.Items().GetDecrypted(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = v.Users().Register(ctx, "alice", "", "Sup3r-Secret-Phrase", repository.RoleOwner)
	assert.ErrorIs(t, err, ErrClosed)

	after, err := env.store.LoadDocument(ctx, repository.ItemsDocument)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 1, v.Items().Len())
}

func TestRepositoryWritesWaitForRestore(t *testing.T) {
	ctx := context.Background()
	v := newTestEnv(t).open(t)
	defer v.Close()

	// the write gate is what RestoreBackup holds while it swaps documents
	v.writes.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "will", Content: "last testament", Category: repository.ItemLegal})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("write finished while the gate was held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, v.Items().Len())

	v.writes.Unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("write did not resume after the gate was released")
	}
	assert.Equal(t, 1, v.Items().Len())
}
