package audit

import (
	"context"
	"sync"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"
)

// Appender is the write side of a Ledger
type Appender interface {
	LogAction(ctx context.Context, rec Record) (Entry, error)
}

// Status describes gaps in the audit trail. Once degraded, a trail stays degraded
// until Acknowledge is called.
type Status struct {
	Degraded  bool      `json:"degraded"`
	Missed    int       `json:"missed"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since,omitempty"`
}

// Recorder appends on behalf of vault operations. A failed append never fails
// the vault operation; it marks the trail degraded instead.
type Recorder struct {
	ledger Appender
	log    logging.Logger

	mu     sync.Mutex
	status Status
}

func NewRecorder(ledger Appender, log logging.Logger) *Recorder {
	return &Recorder{ledger: ledger, log: logging.OrNop(log).With("component", "audit")}
}

// Record appends rec and reports whether it reached the ledger.
func (r *Recorder) Record(ctx context.Context, rec Record) bool {
	if r == nil || r.ledger == nil {
		return false
	}
	if _, err := r.ledger.LogAction(ctx, rec); err != nil {
		r.mu.Lock()
		if !r.status.Degraded {
			r.status.Degraded = true
			r.status.Since = time.Now().UTC()
		}
		r.status.Missed++
		r.status.LastError = err.Error()
		missed := r.status.Missed
		r.mu.Unlock()

		r.log.Error(ctx, "audit trail degraded", "action", rec.Action, "item_id", rec.ItemID, "missed", missed, "error", err)
		return false
	}
	return true
}

// Status returns the current degraded-trail condition.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Acknowledge clears the degraded condition after the caller has acted on it.
func (r *Recorder) Acknowledge() {
	r.mu.Lock()
	r.status = Status{}
	r.mu.Unlock()
}
