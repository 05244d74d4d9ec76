// Package audit keeps the vault's append-only, hash-chained action ledger.
//
// Every entry carries the hash of its predecessor, starting from Genesis, and
// its own hash over id|timestamp|action|itemId|actor|result|details|previousHash.
// The chain lives in a single persist document rewritten on each append.
// Appended entries can additionally be mirrored to an export Sink.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/google/uuid"
)

const (
	// Genesis is the previousHash of the first entry in a chain
	Genesis = "GENESIS"

	// DocumentName is the persist document holding the chain
	DocumentName = "audit_log"

	ResultSuccess = "SUCCESS"
	ActorUser     = "USER"
	ActorSystem   = "SYSTEM"

	failurePrefix = "FAILURE:"
)

// Entry is one link of the chain. Entries are never edited after they are appended.
type Entry struct {
	ID           string `json:"id"`
	Timestamp    int64  `json:"timestamp"`
	Action       Action `json:"action"`
	ItemID       string `json:"itemId"`
	Actor        string `json:"actor"`
	Result       string `json:"result"`
	Details      string `json:"details"`
	PreviousHash string `json:"previousHash"`
	CurrentHash  string `json:"currentHash"`
}

// Record describes an action to append. Empty Result and Actor default to
// ResultSuccess and ActorUser.
type Record struct {
	Action  Action
	ItemID  string
	Result  string
	Details string
	Actor   string
}

// Failure formats a failed result
func Failure(reason string) string {
	return failurePrefix + reason
}

// Succeeded reports whether the entry records a successful action.
func (e Entry) Succeeded() bool {
	return e.Result == ResultSuccess
}

func (e Entry) canonical() string {
	return strings.Join([]string{
		e.ID,
		strconv.FormatInt(e.Timestamp, 10),
		string(e.Action),
		e.ItemID,
		e.Actor,
		e.Result,
		e.Details,
		e.PreviousHash,
	}, "|")
}

// ComputeHash returns the hex SHA-256 of the entry's canonical form. CurrentHash is not part of it.
func ComputeHash(e Entry) string {
	sum := sha256.Sum256([]byte(e.canonical()))
	return hex.EncodeToString(sum[:])
}

// Options configure a Ledger
type Options struct {
	// Sink receives a copy of every appended entry. Nil means no export.
	Sink   Sink
	Logger logging.Logger
	// Retry bounds re-attempts when another writer appended first.
	Retry persist.RetryConfig
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Ledger appends to and verifies the audit chain. It is safe for concurrent use
// and for use by several processes sharing one store.
type Ledger struct {
	store persist.Store
	sink  Sink
	log   logging.Logger
	retry persist.RetryConfig
	now   func() time.Time

	// mu makes read-last-hash, compute and append one critical section
	mu sync.Mutex
}

func NewLedger(store persist.Store, opts Options) *Ledger {
	if opts.Sink == nil {
		opts.Sink = NewNoOpSink()
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = persist.RetryConfig{MaxRetries: 10, BaseDelay: 5 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		store: store,
		sink:  opts.Sink,
		log:   logging.OrNop(opts.Logger).With("component", "audit"),
		retry: opts.Retry,
		now:   opts.Now,
	}
}

// LogAction appends one entry linked to the current chain head.
func (l *Ledger) LogAction(ctx context.Context, rec Record) (Entry, error) {
	if !rec.Action.Valid() {
		return Entry{}, errs.New(errs.ErrValidation, "audit.LogAction", "", fmt.Errorf("unknown action %q", rec.Action))
	}
	if rec.Result == "" {
		rec.Result = ResultSuccess
	}
	if rec.Actor == "" {
		rec.Actor = ActorUser
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, rec)
}

func (l *Ledger) appendLocked(ctx context.Context, rec Record) (Entry, error) {
	var appended Entry
	err := persist.WithRetry(ctx, l.retry, "audit.append", func() error {
		entries, version, err := l.load(ctx)
		if err != nil {
			return err
		}

		previous := Genesis
		if n := len(entries); n > 0 {
			previous = entries[n-1].CurrentHash
		}
		entry := Entry{
			ID:           uuid.NewString(),
			Timestamp:    l.now().UnixMilli(),
			Action:       rec.Action,
			ItemID:       rec.ItemID,
			Actor:        rec.Actor,
			Result:       rec.Result,
			Details:      rec.Details,
			PreviousHash: previous,
		}
		entry.CurrentHash = ComputeHash(entry)

		data, err := json.Marshal(append(entries, entry))
		if err != nil {
			return fmt.Errorf("failed to serialize audit chain: %w", err)
		}
		if _, err = l.store.SaveDocument(ctx, DocumentName, data, version); err != nil {
			return err
		}
		appended = entry
		return nil
	})
	if err != nil {
		return Entry{}, errs.New(errs.ErrPersistence, "audit.LogAction", string(rec.Action), err)
	}

	if err = l.sink.Write(ctx, appended); err != nil {
		l.log.Warn(ctx, "audit export failed", "entry_id", appended.ID, "error", err)
	}
	return appended, nil
}

// load reads the chain and its store version. A missing document is an empty
// chain that must still be missing when the first entry is saved.
func (l *Ledger) load(ctx context.Context) ([]Entry, string, error) {
	vd, err := l.store.LoadDocument(ctx, DocumentName)
	if errors.Is(err, persist.ErrNotFound) {
		return []Entry{}, persist.VersionNone, nil
	}
	if err != nil {
		return nil, "", err
	}

	var entries []Entry
	if len(vd.Data) > 0 {
		if err = json.Unmarshal(vd.Data, &entries); err != nil {
			return nil, "", fmt.Errorf("failed to parse audit chain: %w", err)
		}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, vd.Version, nil
}

// Entries returns the full chain in append order.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	entries, _, err := l.load(ctx)
	if err != nil {
		return nil, errs.New(errs.ErrPersistence, "audit.Entries", "", err)
	}
	return entries, nil
}

// GetChainOfCustody returns every entry recorded against itemID, in chain order.
func (l *Ledger) GetChainOfCustody(ctx context.Context, itemID string) ([]Entry, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	custody := make([]Entry, 0)
	for _, e := range entries {
		if e.ItemID == itemID {
			custody = append(custody, e)
		}
	}
	return custody, nil
}

// Query filters the persisted chain, newest first.
func (l *Ledger) Query(ctx context.Context, options QueryOptions) (QueryResult, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return QueryResult{}, err
	}
	return Filter(entries, options), nil
}

// VerifyIntegrity replays the persisted chain from Genesis. A chain that cannot
// be read at all is an error; a readable but inconsistent chain is a Finding.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (Finding, error) {
	vd, err := l.store.LoadDocument(ctx, DocumentName)
	if errors.Is(err, persist.ErrNotFound) {
		return VerifyEntries(nil), nil
	}
	if err != nil {
		return Finding{}, errs.New(errs.ErrPersistence, "audit.VerifyIntegrity", "", err)
	}

	var entries []Entry
	if err = json.Unmarshal(vd.Data, &entries); err != nil {
		return Finding{
			Violation: Unreadable,
			Index:     -1,
			Message:   fmt.Sprintf("audit chain is unreadable: %v", err),
		}, nil
	}
	return VerifyEntries(entries), nil
}

// Reset clears the chain and starts a new one whose first entry records the reset.
func (l *Ledger) Reset(ctx context.Context, actor, reason string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, _, err := l.load(ctx)
	if err != nil {
		return Entry{}, errs.New(errs.ErrPersistence, "audit.Reset", "", err)
	}
	if err = l.store.DeleteDocument(ctx, DocumentName); err != nil && !errors.Is(err, persist.ErrNotFound) {
		return Entry{}, errs.New(errs.ErrPersistence, "audit.Reset", "", err)
	}
	l.log.Warn(ctx, "audit chain cleared", "entries", len(entries), "actor", actor)

	if actor == "" {
		actor = ActorUser
	}
	details := fmt.Sprintf("cleared %d entries", len(entries))
	if reason != "" {
		details += ": " + reason
	}
	return l.appendLocked(ctx, Record{Action: AuditReset, Actor: actor, Result: ResultSuccess, Details: details})
}

// Close releases the export sink.
func (l *Ledger) Close() error {
	return l.sink.Close()
}
