package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/envelope"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/keystore"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingCrypto counts decryptions so tests can prove a record was never opened
type countingCrypto struct {
	*envelope.Service
	decrypts atomic.Int32
}

func (c *countingCrypto) DecryptWithKey(ctx context.Context, keyID, env string) (string, error) {
	c.decrypts.Add(1)
	return c.Service.DecryptWithKey(ctx, keyID, env)
}

// flakyStore fails document saves while failSaves is set
type flakyStore struct {
	persist.Store
	failSaves atomic.Bool
}

func (f *flakyStore) SaveDocument(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if f.failSaves.Load() {
		return "", errors.New("disk full")
	}
	return f.Store.SaveDocument(ctx, name, data, expectedVersion)
}

type fixture struct {
	store  *flakyStore
	crypto *countingCrypto
	ledger *audit.Ledger
	opts   Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	fs, err := persist.NewFileSystemStore(t.TempDir(), "repo-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	store := &flakyStore{Store: fs}

	env := envelope.New(keystore.NewMemoryStore(nil), envelope.Options{}, nil)
	require.NoError(t, env.Initialize(ctx))
	crypto := &countingCrypto{Service: env}

	ledger := audit.NewLedger(fs, audit.Options{})
	return &fixture{
		store:  store,
		crypto: crypto,
		ledger: ledger,
		opts: Options{
			Store:  store,
			Crypto: crypto,
			Audit:  audit.NewRecorder(ledger, nil),
		},
	}
}

func (f *fixture) items(t *testing.T) *Items {
	t.Helper()
	items, err := OpenItems(context.Background(), f.opts)
	require.NoError(t, err)
	return items
}

func (f *fixture) passwords(t *testing.T) *Passwords {
	t.Helper()
	p, err := OpenPasswords(context.Background(), f.opts)
	require.NoError(t, err)
	return p
}

func titles[C Category](records []Record[C]) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Title)
	}
	return out
}

func TestAddAndGetDecrypted(t *testing.T) {
	ctx := context.Background()
	passwords := newFixture(t).passwords(t)

	rec, err := passwords.Add(ctx, Draft[PasswordCategory]{Title: "Gmail", Subtitle: "me@example.com", Content: "p@ssW0rd!", Category: PasswordEmail})
	require.NoError(t, err)
	assert.Equal(t, 1, passwords.Len())
	assert.NotEmpty(t, rec.ID)
	assert.NotContains(t, rec.EncryptedPayload, "p@ssW0rd!")
	assert.Equal(t, envelope.DefaultKeyID, rec.KeyID)
	assert.Equal(t, 3, rec.Strength)
	assert.Equal(t, rec.CreatedAt, rec.ModifiedAt)

	got, err := passwords.GetDecrypted(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "p@ssW0rd!", got.Content)
	assert.Equal(t, "Gmail", got.Title)
	assert.NotZero(t, got.LastUsedAt)

	stored, err := passwords.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, got.LastUsedAt, stored.LastUsedAt, "last use is persisted")
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	items := newFixture(t).items(t)

	_, err := items.Add(ctx, Draft[ItemCategory]{Title: " ", Content: "x", Category: ItemNotes})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = items.Add(ctx, Draft[ItemCategory]{Title: "no category", Content: "x"})
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, 0, items.Len())
}

func TestDeleteKeepsOrder(t *testing.T) {
	ctx := context.Background()
	items := newFixture(t).items(t)

	var ids []string
	for _, title := range []string{"first", "second", "third"} {
		rec, err := items.Add(ctx, Draft[ItemCategory]{Title: title, Content: title + " secret", Category: ItemNotes})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	require.NoError(t, items.Delete(ctx, ids[1]))
	assert.Equal(t, []string{"first", "third"}, titles(items.Search("")))
}

func TestDeleteMissing(t *testing.T) {
	ctx := context.Background()
	items := newFixture(t).items(t)
	rec, err := items.Add(ctx, Draft[ItemCategory]{Title: "only", Content: "x", Category: ItemOther})
	require.NoError(t, err)

	assert.ErrorIs(t, items.Delete(ctx, "no-such-id"), errs.ErrNotFound)
	assert.Equal(t, 1, items.Len())

	require.NoError(t, items.Delete(ctx, rec.ID))
	assert.ErrorIs(t, items.Delete(ctx, rec.ID), errs.ErrNotFound, "second delete fails")
	assert.Equal(t, 0, items.Len())

	_, err = items.GetDecrypted(ctx, rec.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTamperedRecordIsNeverDecrypted(t *testing.T) {
	ctx := context.Background()

	tests := map[string]func(m map[string]any){
		"title":     func(m map[string]any) { m["title"] = "Renamed" },
		"category":  func(m map[string]any) { m["category"] = "MEDICAL" },
		"favorite":  func(m map[string]any) { m["favorite"] = true },
		"key id":    func(m map[string]any) { m["keyId"] = "other" },
		"signature": func(m map[string]any) { m["signature"] = "AAAA" },
		"signature trailing bits": func(m map[string]any) {
			sig := m["signature"].(string)
			m["signature"] = replaceAt(sig, len(sig)-3, 1)
		},
		"payload": func(m map[string]any) {
			other := m["encryptedPayload"].(string)
			m["encryptedPayload"] = other[:len(other)-4] + "AAAA"
		},
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			items := f.items(t)
			rec, err := items.Add(ctx, Draft[ItemCategory]{Title: "Passport", Content: "X1234567", Category: ItemIdentity})
			require.NoError(t, err)

			vd, err := f.store.LoadDocument(ctx, ItemsDocument)
			require.NoError(t, err)
			var raw []map[string]any
			require.NoError(t, json.Unmarshal(vd.Data, &raw))
			mutate(raw[0])
			data, err := json.Marshal(raw)
			require.NoError(t, err)
			_, err = f.store.SaveDocument(ctx, ItemsDocument, data, vd.Version)
			require.NoError(t, err)

			require.NoError(t, items.Reload(ctx))
			before := f.crypto.decrypts.Load()
			_, err = items.GetDecrypted(ctx, rec.ID)
			assert.ErrorIs(t, err, errs.ErrIntegrity)
			assert.Equal(t, "this item could not be verified", errs.UserMessage(err))
			assert.Equal(t, before, f.crypto.decrypts.Load(), "a record that fails verification must not be decrypted")
			assert.Equal(t, []string{rec.ID}, items.Verify())

			custody, err := f.ledger.GetChainOfCustody(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, audit.IntegrityFailure, custody[len(custody)-1].Action)
		})
	}
}

// replaceAt moves the Base64 character at i by delta places in the alphabet
func replaceAt(s string, i, delta int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	c := alphabet[(strings.IndexByte(alphabet, s[i])+delta)%len(alphabet)]
	return s[:i] + string(c) + s[i+1:]
}

func TestEverySignatureSubstitutionIsDetected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	items := f.items(t)
	rec, err := items.Add(ctx, Draft[ItemCategory]{Title: "Passport", Content: "X1234567", Category: ItemIdentity})
	require.NoError(t, err)

	for delta := 1; delta < 64; delta++ {
		vd, err := f.store.LoadDocument(ctx, ItemsDocument)
		require.NoError(t, err)
		var raw []map[string]any
		require.NoError(t, json.Unmarshal(vd.Data, &raw))
		raw[0]["signature"] = replaceAt(rec.Signature, len(rec.Signature)-3, delta)
		data, err := json.Marshal(raw)
		require.NoError(t, err)
		_, err = f.store.SaveDocument(ctx, ItemsDocument, data, vd.Version)
		require.NoError(t, err)

		require.NoError(t, items.Reload(ctx))
		_, err = items.GetDecrypted(ctx, rec.ID)
		assert.ErrorIs(t, err, errs.ErrIntegrity, "substitution %d", delta)
	}
}

func TestSigningPayloadIsUnambiguous(t *testing.T) {
	a := Record[ItemCategory]{ID: "1", Title: "a|b", Subtitle: "c", Category: ItemNotes}
	b := Record[ItemCategory]{ID: "1", Title: "a", Subtitle: "b|c", Category: ItemNotes}
	assert.NotEqual(t, a.signingPayload(), b.signingPayload())

	c := Record[ItemCategory]{ID: "1", Title: `a\`, Subtitle: "|c", Category: ItemNotes}
	assert.NotEqual(t, a.signingPayload(), c.signingPayload())
}

func TestFailedPersistLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	items := f.items(t)
	kept, err := items.Add(ctx, Draft[ItemCategory]{Title: "kept", Content: "x", Category: ItemNotes})
	require.NoError(t, err)

	f.store.failSaves.Store(true)

	_, err = items.Add(ctx, Draft[ItemCategory]{Title: "lost", Content: "y", Category: ItemNotes})
	assert.ErrorIs(t, err, errs.ErrPersistence)
	assert.Equal(t, 1, items.Len())

	assert.ErrorIs(t, items.Delete(ctx, kept.ID), errs.ErrPersistence)
	_, err = items.Get(kept.ID)
	assert.NoError(t, err, "a failed delete keeps the record")

	_, err = items.Update(ctx, kept.ID, Draft[ItemCategory]{Title: "renamed", Content: "z", Category: ItemNotes})
	assert.ErrorIs(t, err, errs.ErrPersistence)
	current, err := items.Get(kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", current.Title)

	// reads still work; only the usage stamp is dropped
	got, err := items.GetDecrypted(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Content)

	f.store.failSaves.Store(false)
	_, err = items.Add(ctx, Draft[ItemCategory]{Title: "later", Content: "y", Category: ItemNotes})
	require.NoError(t, err)
	assert.Equal(t, 2, items.Len())
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	clock := time.UnixMilli(1_700_000_000_000)
	f := newFixture(t)
	f.opts.Now = func() time.Time { return clock }
	passwords := f.passwords(t)

	rec, err := passwords.Add(ctx, Draft[PasswordCategory]{Title: "Bank", Content: "abc", Category: PasswordBanking})
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.Strength, WeakStrength)

	clock = clock.Add(time.Hour)
	updated, err := passwords.Update(ctx, rec.ID, Draft[PasswordCategory]{
		Title: "Bank", Subtitle: "acct-42", Content: "Tr0ub4dor&3-horse-battery", Category: PasswordBanking,
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, updated.ID)
	assert.Equal(t, rec.CreatedAt, updated.CreatedAt)
	assert.Equal(t, clock.UnixMilli(), updated.ModifiedAt)
	assert.Equal(t, MaxStrength, updated.Strength)

	got, err := passwords.GetDecrypted(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tr0ub4dor&3-horse-battery", got.Content)
	assert.Equal(t, "acct-42", got.Subtitle)

	_, err = passwords.Update(ctx, "missing", Draft[PasswordCategory]{Title: "x", Content: "y", Category: PasswordOther})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSearchAndFilters(t *testing.T) {
	ctx := context.Background()
	passwords := newFixture(t).passwords(t)

	drafts := []Draft[PasswordCategory]{
		{Title: "GitHub", Subtitle: "dev@work.example", URL: "https://github.com", Content: "a", Category: PasswordWork},
		{Title: "Netflix", Subtitle: "home@example.com", Content: "b", Category: PasswordEntertainment},
		{Title: "Jira", Subtitle: "dev@work.example", URL: "https://jira.work.example", Content: "c", Category: PasswordWork},
	}
	var ids []string
	for _, d := range drafts {
		rec, err := passwords.Add(ctx, d)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	assert.Equal(t, []string{"GitHub", "Jira"}, titles(passwords.Search("WORK.example")))
	assert.Equal(t, []string{"Netflix"}, titles(passwords.Search("netf")))
	assert.Empty(t, passwords.Search("nothing matches"))
	assert.Equal(t, []string{"GitHub", "Jira"}, titles(passwords.FilterByCategory(PasswordWork)))
	assert.Empty(t, passwords.FilterByCategory(PasswordBanking))

	_, err := passwords.SetFavorite(ctx, ids[2], true)
	require.NoError(t, err)
	_, err = passwords.SetFavorite(ctx, ids[0], true)
	require.NoError(t, err)
	assert.Equal(t, []string{"GitHub", "Jira"}, titles(passwords.ListFavorites()))

	// metadata changes are signed too
	_, err = passwords.GetDecrypted(ctx, ids[2])
	require.NoError(t, err)
	assert.Empty(t, passwords.Verify())

	_, err = passwords.SetFavorite(ctx, ids[0], false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Jira"}, titles(passwords.ListFavorites()))

	_, err = passwords.SetFavorite(ctx, "missing", true)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestReopenReadsPersistedRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	items := f.items(t)
	rec, err := items.Add(ctx, Draft[ItemCategory]{Title: "Insurance", Content: "policy 77", Category: ItemFinancial})
	require.NoError(t, err)

	reopened := f.items(t)
	assert.Equal(t, 1, reopened.Len())
	got, err := reopened.GetDecrypted(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "policy 77", got.Content)
	assert.Equal(t, ItemFinancial, got.Category)
}

func TestConcurrentMutationsAreNotLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	items := f.items(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := items.Add(ctx, Draft[ItemCategory]{Title: fmt.Sprintf("item-%d", i), Content: "x", Category: ItemOther}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, items.Len())
	assert.Equal(t, 20, f.items(t).Len(), "every add reached the store")
}

func TestRotationHooks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	items := f.items(t)

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := items.Add(ctx, Draft[ItemCategory]{Title: fmt.Sprintf("doc-%d", i), Content: fmt.Sprintf("secret-%d", i), Category: ItemLegal})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	require.NoError(t, f.crypto.PrepareKey(ctx, "k2"))

	assert.Equal(t, ids, items.PendingIDs("k2"))
	assert.Empty(t, items.PendingIDs(envelope.DefaultKeyID))

	before, err := items.Get(ids[0])
	require.NoError(t, err)
	require.NoError(t, items.Reencrypt(ctx, ids[0], "k2"))
	assert.Equal(t, ids[1:], items.PendingIDs("k2"))

	after, err := items.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "k2", after.KeyID)
	assert.Equal(t, before.ModifiedAt, after.ModifiedAt)
	assert.NotEqual(t, before.EncryptedPayload, after.EncryptedPayload)

	got, err := items.GetDecrypted(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "secret-0", got.Content)

	assert.ErrorIs(t, items.Reencrypt(ctx, "missing", "k2"), errs.ErrNotFound)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	f := newFixture(t)
	f.opts.Now = func() time.Time { return now }
	passwords := f.passwords(t)

	empty := passwords.Stats()
	assert.Equal(t, 100, empty.SecurityScore)
	assert.Len(t, empty.ByCategory, len(PasswordCategories()))

	now = now.Add(-100 * 24 * time.Hour)
	_, err := passwords.Add(ctx, Draft[PasswordCategory]{Title: "old", Content: "Correct-Horse-Battery-9", Category: PasswordEmail})
	require.NoError(t, err)
	now = now.Add(100 * 24 * time.Hour)
	weak, err := passwords.Add(ctx, Draft[PasswordCategory]{Title: "weak", Content: "password", Category: PasswordSocial})
	require.NoError(t, err)
	_, err = passwords.Add(ctx, Draft[PasswordCategory]{Title: "strong", Content: "x9$Lq!v2#Rm8&Tz4", Category: PasswordSocial})
	require.NoError(t, err)
	_, err = passwords.SetFavorite(ctx, weak.ID, true)
	require.NoError(t, err)

	s := passwords.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.ByCategory["EMAIL"])
	assert.Equal(t, 2, s.ByCategory["SOCIAL"])
	assert.Equal(t, 0, s.ByCategory["BANKING"])
	assert.Equal(t, 1, s.Favorites)
	assert.Equal(t, 1, s.Weak)
	assert.Equal(t, 1, s.Stale)
	// 100 - 60/3 - 40/3
	assert.Equal(t, 67, s.SecurityScore)
	assert.Equal(t, []string{"weak"}, titles(passwords.Weak()))

	items := f.items(t)
	_, err = items.Add(ctx, Draft[ItemCategory]{Title: "note", Content: "x", Category: ItemNotes})
	require.NoError(t, err)
	assert.Equal(t, 0, items.Stats().Weak, "items carry no strength")
}

func TestPasswordStrength(t *testing.T) {
	tests := []struct {
		password string
		want     int
	}{
		{"", 0},
		{"password", 0},
		{"aaaaaaaaaaaaaaaa", 0},
		{"abc", 0},
		{"Ab1!", 1},
		{"abcdefgh", 1},
		{"abcdefgh12", 1},
		{"Abcdefgh12", 2},
		{"p@ssW0rd!", 3},
		{"correcthorsebatterystaple", 3},
		{"Correct-Horse-Battery-9", 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PasswordStrength(tt.password), tt.password)
	}
}

func TestCategoryEncoding(t *testing.T) {
	data, err := json.Marshal(Record[ItemCategory]{Category: ItemMedical})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"category":"MEDICAL"`)

	var rec Record[ItemCategory]
	require.NoError(t, json.Unmarshal([]byte(`{"category":"LEGAL","unknownField":1}`), &rec))
	assert.Equal(t, ItemLegal, rec.Category)

	assert.Error(t, json.Unmarshal([]byte(`{"category":"SPACESHIP"}`), &rec))

	_, err = json.Marshal(Record[ItemCategory]{})
	assert.Error(t, err, "the zero category is not encodable")

	c, err := ParsePasswordCategory(" banking ")
	require.NoError(t, err)
	assert.Equal(t, PasswordBanking, c)

	assert.True(t, RoleOwner.CanManageUsers())
	assert.False(t, RoleGuest.CanManageUsers())
}

func TestMutationsAreAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	items := f.items(t)

	rec, err := items.Add(ctx, Draft[ItemCategory]{Title: "x", Content: "y", Category: ItemOther})
	require.NoError(t, err)
	_, err = items.GetDecrypted(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, items.Delete(ctx, rec.ID))

	custody, err := f.ledger.GetChainOfCustody(ctx, rec.ID)
	require.NoError(t, err)
	var actions []audit.Action
	for _, e := range custody {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []audit.Action{audit.ItemAdded, audit.ItemAccessed, audit.ItemDeleted}, actions)

	finding, err := f.ledger.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, finding.Valid)
}
