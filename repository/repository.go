// Package repository stores vault records whose sensitive payload is sealed by the
// envelope service. Every record is signed on write and its signature is verified
// before any read decrypts it.
//
// Each repository is one JSON array document in a persist.Store, rewritten whole on
// every mutation. Mutations are serialized per repository and the in-memory copy
// only changes after the store accepted the new document.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/google/uuid"
)

// Crypto seals and signs payloads. *envelope.Service implements it.
type Crypto interface {
	CurrentKeyID() string
	EncryptWithKey(ctx context.Context, keyID, plaintext string) (string, error)
	DecryptWithKey(ctx context.Context, keyID, envelope string) (string, error)
	Sign(data string) (string, error)
	Verify(data, signature string) bool
}

// Auditor records vault actions without failing them. *audit.Recorder implements it.
type Auditor interface {
	Record(ctx context.Context, rec audit.Record) bool
}

// Options are the collaborators shared by all repositories
type Options struct {
	Store  persist.Store
	Crypto Crypto
	// Audit is optional.
	Audit  Auditor
	Logger logging.Logger
	// Now overrides the clock, mainly for tests.
	Now    func() time.Time
	// Admit, when set, is called before every write and before GetDecrypted. It
	// returns the func that ends the write, or an error that refuses it.
	Admit  func() (release func(), err error)
}

// config describes one concrete repository
type config[C Category] struct {
	name       string
	categories []C
	// prepare turns caller content into the payload to seal and its strength
	prepare func(content string) (payload string, strength int, err error)
	// strengthTracked enables weak-entry statistics
	strengthTracked bool
	// conflicts rejects rec when it clashes with an already stored record.
	// It runs under r.mu so the check and the write are atomic.
	conflicts func(stored, rec Record[C]) error
}

// Repository is the signed, encrypted record collection shared by items, passwords and users.
type Repository[C Category] struct {
	cfg    config[C]
	store  persist.Store
	crypto Crypto
	audit  Auditor
	log    logging.Logger
	now    func() time.Time
	gate   func() (func(), error)

	mu      sync.RWMutex
	records []Record[C]
	version string
}

func open[C Category](ctx context.Context, opts Options, cfg config[C]) (*Repository[C], error) {
	if opts.Store == nil || opts.Crypto == nil {
		return nil, errs.New(errs.ErrInitialization, cfg.name+".open", "", errors.New("store and crypto are required"))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.prepare == nil {
		cfg.prepare = func(content string) (string, int, error) { return content, 0, nil }
	}
	r := &Repository[C]{
		cfg:    cfg,
		store:  opts.Store,
		crypto: opts.Crypto,
		audit:  opts.Audit,
		log:    logging.OrNop(opts.Logger).With("repository", cfg.name),
		now:    opts.Now,
		gate:   opts.Admit,
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Name is the repository's document name
func (r *Repository[C]) Name() string {
	return r.cfg.name
}

func (r *Repository[C]) op(name string) string {
	return r.cfg.name + "." + name
}

// Reload replaces the in-memory records with the persisted document.
func (r *Repository[C]) Reload(ctx context.Context) error {
	records, version, err := r.load(ctx)
	if err != nil {
		return errs.New(errs.ErrPersistence, r.op("reload"), "", err)
	}
	r.mu.Lock()
	r.records, r.version = records, version
	r.mu.Unlock()
	r.log.Debug(ctx, "repository loaded", "records", len(records))
	return nil
}

func (r *Repository[C]) load(ctx context.Context) ([]Record[C], string, error) {
	vd, err := r.store.LoadDocument(ctx, r.cfg.name)
	if errors.Is(err, persist.ErrNotFound) {
		return []Record[C]{}, persist.VersionNone, nil
	}
	if err != nil {
		return nil, "", err
	}

	var records []Record[C]
	if len(vd.Data) > 0 {
		if err = json.Unmarshal(vd.Data, &records); err != nil {
			return nil, "", fmt.Errorf("failed to parse %s document: %w", r.cfg.name, err)
		}
	}
	if records == nil {
		records = []Record[C]{}
	}
	return records, vd.Version, nil
}

// commit persists next and makes it current. Callers hold r.mu.
func (r *Repository[C]) commit(ctx context.Context, op, id string, next []Record[C]) error {
	data, err := json.Marshal(next)
	if err != nil {
		return errs.New(errs.ErrPersistence, op, id, err)
	}
	version, err := r.store.SaveDocument(ctx, r.cfg.name, data, r.version)
	if err != nil {
		r.log.Error(ctx, "persist failed, in-memory state unchanged", "op", op, "id", id, "error", err)
		return errs.New(errs.ErrPersistence, op, id, err)
	}
	r.records, r.version = next, version
	return nil
}

// admit enters the owner's write gate. Callers take it before r.mu.
func (r *Repository[C]) admit(op, id string) (func(), error) {
	if r.gate == nil {
		return func() {}, nil
	}
	release, err := r.gate()
	if err != nil {
		return nil, errs.New(errs.ErrPersistence, op, id, err)
	}
	return release, nil
}

func (r *Repository[C]) indexOf(id string) int {
	return slices.IndexFunc(r.records, func(rec Record[C]) bool { return rec.ID == id })
}

func (r *Repository[C]) record(ctx context.Context, action audit.Action, itemID, result, details string) {
	if r.audit == nil {
		return
	}
	r.audit.Record(ctx, audit.Record{Action: action, ItemID: itemID, Result: result, Details: details})
}

func (r *Repository[C]) sign(op string, rec *Record[C]) error {
	sig, err := r.crypto.Sign(rec.signingPayload())
	if err != nil {
		return errs.New(errs.ErrEncryption, op, rec.ID, err)
	}
	rec.Signature = sig
	return nil
}

// seal prepares and encrypts content under the current key
func (r *Repository[C]) seal(ctx context.Context, op, id, content string) (payload, keyID string, strength int, err error) {
	prepared, strength, err := r.cfg.prepare(content)
	if err != nil {
		return "", "", 0, errs.New(errs.ErrValidation, op, id, err)
	}
	keyID = r.crypto.CurrentKeyID()
	payload, err = r.crypto.EncryptWithKey(ctx, keyID, prepared)
	if err != nil {
		return "", "", 0, errs.New(errs.ErrEncryption, op, id, err)
	}
	return payload, keyID, strength, nil
}

// checkConflicts runs the conflict hook against every other record. Callers hold r.mu.
func (r *Repository[C]) checkConflicts(op string, rec Record[C]) error {
	if r.cfg.conflicts == nil {
		return nil
	}
	for _, stored := range r.records {
		if stored.ID == rec.ID {
			continue
		}
		if err := r.cfg.conflicts(stored, rec); err != nil {
			return errs.New(errs.ErrValidation, op, rec.ID, err)
		}
	}
	return nil
}

func (r *Repository[C]) validate(op string, d Draft[C]) error {
	if strings.TrimSpace(d.Title) == "" {
		return errs.New(errs.ErrValidation, op, "", errors.New("title is required"))
	}
	if !d.Category.Valid() {
		return errs.New(errs.ErrValidation, op, "", errors.New("category is required"))
	}
	return nil
}

// Add encrypts, signs and appends a new record.
func (r *Repository[C]) Add(ctx context.Context, d Draft[C]) (Record[C], error) {
	op := r.op("add")
	if err := r.validate(op, d); err != nil {
		return Record[C]{}, err
	}
	release, err := r.admit(op, "")
	if err != nil {
		return Record[C]{}, err
	}
	defer release()

	id := uuid.NewString()
	payload, keyID, strength, err := r.seal(ctx, op, id, d.Content)
	if err != nil {
		return Record[C]{}, err
	}

	now := r.now().UnixMilli()
	rec := Record[C]{
		ID:               id,
		Title:            d.Title,
		Subtitle:         d.Subtitle,
		URL:              d.URL,
		EncryptedPayload: payload,
		Category:         d.Category,
		CreatedAt:        now,
		ModifiedAt:       now,
		Strength:         strength,
		KeyID:            keyID,
	}
	if err = r.sign(op, &rec); err != nil {
		return Record[C]{}, err
	}

	r.mu.Lock()
	if err = r.checkConflicts(op, rec); err != nil {
		r.mu.Unlock()
		return Record[C]{}, err
	}
	next := append(slices.Clone(r.records), rec)
	err = r.commit(ctx, op, id, next)
	r.mu.Unlock()
	if err != nil {
		r.record(ctx, audit.ItemAdded, id, audit.Failure("persistence"), r.cfg.name)
		return Record[C]{}, err
	}

	r.record(ctx, audit.ItemAdded, id, audit.ResultSuccess, r.cfg.name)
	return rec, nil
}

// Get returns a record's metadata without decrypting it.
func (r *Repository[C]) Get(id string) (Record[C], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexOf(id)
	if i < 0 {
		return Record[C]{}, errs.NotFound(r.op("get"), id)
	}
	return r.records[i], nil
}

// GetDecrypted verifies and opens a record and stamps its last use. A record whose
// signature does not verify is never decrypted.
func (r *Repository[C]) GetDecrypted(ctx context.Context, id string) (Decrypted[C], error) {
	op := r.op("get")
	release, err := r.admit(op, id)
	if err != nil {
		return Decrypted[C]{}, err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return Decrypted[C]{}, errs.NotFound(op, id)
	}
	rec := r.records[i]

	content, err := r.open(ctx, op, rec)
	if err != nil {
		return Decrypted[C]{}, err
	}

	stamped := rec
	stamped.LastUsedAt = r.now().UnixMilli()
	if err = r.sign(op, &stamped); err == nil {
		next := slices.Clone(r.records)
		next[i] = stamped
		err = r.commit(ctx, op, id, next)
	}
	if err != nil {
		// the read itself succeeded; only the usage stamp is lost
		r.log.Warn(ctx, "failed to record last use", "id", id, "error", err)
	} else {
		rec = stamped
	}

	r.record(ctx, audit.ItemAccessed, id, audit.ResultSuccess, r.cfg.name)
	return Decrypted[C]{Record: rec, Content: content}, nil
}

// open verifies rec's signature and decrypts its payload with the key it names
func (r *Repository[C]) open(ctx context.Context, op string, rec Record[C]) (string, error) {
	if !r.crypto.Verify(rec.signingPayload(), rec.Signature) {
		r.log.Warn(ctx, "record signature did not verify", "id", rec.ID)
		r.record(ctx, audit.IntegrityFailure, rec.ID, audit.Failure("signature"), r.cfg.name)
		return "", errs.New(errs.ErrIntegrity, op, rec.ID, nil)
	}
	content, err := r.crypto.DecryptWithKey(ctx, rec.KeyID, rec.EncryptedPayload)
	if err != nil {
		r.record(ctx, audit.ItemAccessed, rec.ID, audit.Failure("decryption"), r.cfg.name)
		return "", errs.New(errs.ErrDecryption, op, rec.ID, err)
	}
	return content, nil
}

// Update re-encrypts a record under the current key with new content and metadata.
func (r *Repository[C]) Update(ctx context.Context, id string, d Draft[C]) (Record[C], error) {
	op := r.op("update")
	if err := r.validate(op, d); err != nil {
		return Record[C]{}, err
	}
	release, err := r.admit(op, id)
	if err != nil {
		return Record[C]{}, err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return Record[C]{}, errs.NotFound(op, id)
	}

	payload, keyID, strength, err := r.seal(ctx, op, id, d.Content)
	if err != nil {
		return Record[C]{}, err
	}

	rec := r.records[i]
	rec.Title = d.Title
	rec.Subtitle = d.Subtitle
	rec.URL = d.URL
	rec.Category = d.Category
	rec.EncryptedPayload = payload
	rec.KeyID = keyID
	rec.Strength = strength
	rec.ModifiedAt = max(r.now().UnixMilli(), rec.ModifiedAt)
	if err = r.checkConflicts(op, rec); err != nil {
		return Record[C]{}, err
	}
	if err = r.sign(op, &rec); err != nil {
		return Record[C]{}, err
	}

	next := slices.Clone(r.records)
	next[i] = rec
	if err = r.commit(ctx, op, id, next); err != nil {
		r.record(ctx, audit.ItemModified, id, audit.Failure("persistence"), r.cfg.name)
		return Record[C]{}, err
	}
	r.record(ctx, audit.ItemModified, id, audit.ResultSuccess, r.cfg.name)
	return rec, nil
}

// SetFavorite toggles the favorite flag and re-signs the record.
func (r *Repository[C]) SetFavorite(ctx context.Context, id string, favorite bool) (Record[C], error) {
	op := r.op("favorite")
	release, err := r.admit(op, id)
	if err != nil {
		return Record[C]{}, err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return Record[C]{}, errs.NotFound(op, id)
	}
	rec := r.records[i]
	if rec.Favorite == favorite {
		return rec, nil
	}
	rec.Favorite = favorite
	if err := r.sign(op, &rec); err != nil {
		return Record[C]{}, err
	}

	next := slices.Clone(r.records)
	next[i] = rec
	if err := r.commit(ctx, op, id, next); err != nil {
		return Record[C]{}, err
	}
	r.record(ctx, audit.ItemModified, id, audit.ResultSuccess, fmt.Sprintf("%s: favorite=%t", r.cfg.name, favorite))
	return rec, nil
}

// Delete removes a record. Deleting an unknown id is a not-found failure.
func (r *Repository[C]) Delete(ctx context.Context, id string) error {
	op := r.op("delete")
	release, err := r.admit(op, id)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return errs.NotFound(op, id)
	}
	next := slices.Delete(slices.Clone(r.records), i, i+1)
	if err := r.commit(ctx, op, id, next); err != nil {
		r.record(ctx, audit.ItemDeleted, id, audit.Failure("persistence"), r.cfg.name)
		return err
	}
	r.record(ctx, audit.ItemDeleted, id, audit.ResultSuccess, r.cfg.name)
	return nil
}

// Len returns the number of records
func (r *Repository[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// All returns every record in insertion order
func (r *Repository[C]) All() []Record[C] {
	return r.filter(func(Record[C]) bool { return true })
}

// Search matches query case-insensitively against title, subtitle and url.
// An empty query matches everything. Order is insertion order.
func (r *Repository[C]) Search(query string) []Record[C] {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return r.All()
	}
	return r.filter(func(rec Record[C]) bool {
		return strings.Contains(strings.ToLower(rec.Title), q) ||
			strings.Contains(strings.ToLower(rec.Subtitle), q) ||
			strings.Contains(strings.ToLower(rec.URL), q)
	})
}

func (r *Repository[C]) FilterByCategory(c C) []Record[C] {
	return r.filter(func(rec Record[C]) bool { return rec.Category == c })
}

func (r *Repository[C]) ListFavorites() []Record[C] {
	return r.filter(func(rec Record[C]) bool { return rec.Favorite })
}

func (r *Repository[C]) filter(keep func(Record[C]) bool) []Record[C] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record[C], 0, len(r.records))
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// PendingIDs returns the ids of records not sealed under keyID, in insertion order.
func (r *Repository[C]) PendingIDs(keyID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, rec := range r.records {
		if rec.KeyID != keyID {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// Reencrypt moves one record's payload to keyID. The record must verify first;
// its metadata, including modifiedAt, is unchanged.
func (r *Repository[C]) Reencrypt(ctx context.Context, id, keyID string) error {
	op := r.op("reencrypt")
	release, err := r.admit(op, id)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return errs.NotFound(op, id)
	}
	rec := r.records[i]
	if rec.KeyID == keyID {
		return nil
	}

	content, err := r.open(ctx, op, rec)
	if err != nil {
		return err
	}
	payload, err := r.crypto.EncryptWithKey(ctx, keyID, content)
	if err != nil {
		return errs.New(errs.ErrEncryption, op, id, err)
	}
	rec.EncryptedPayload = payload
	rec.KeyID = keyID
	if err = r.sign(op, &rec); err != nil {
		return err
	}

	next := slices.Clone(r.records)
	next[i] = rec
	return r.commit(ctx, op, id, next)
}

// Verify checks every record's signature without decrypting and returns the
// ids that fail, in insertion order.
func (r *Repository[C]) Verify() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var bad []string
	for _, rec := range r.records {
		if !r.crypto.Verify(rec.signingPayload(), rec.Signature) {
			bad = append(bad, rec.ID)
		}
	}
	return bad
}
