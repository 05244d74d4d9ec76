package rotation

import (
	"slices"
	"time"
)

const (
	// DocumentName is the persist.Store document holding the rotation record
	DocumentName = "rotation"

	// HistoryLimit is how many rotation events are kept, newest last
	HistoryLimit = 10

	DefaultIntervalDays = 90
)

// Event is one completed rotation.
type Event struct {
	OldKeyID         string `json:"oldKeyId"`
	NewKeyID         string `json:"newKeyId"`
	Timestamp        int64  `json:"timestamp"`
	Reason           string `json:"reason,omitempty"`
	ItemsReEncrypted int    `json:"itemsReEncrypted"`
}

// Progress marks a rotation whose re-encryption has started but whose key swap
// has not happened yet. MigratedIDs only grows.
type Progress struct {
	OldKeyID    string   `json:"oldKeyId"`
	NewKeyID    string   `json:"newKeyId"`
	Reason      string   `json:"reason,omitempty"`
	StartedAt   int64    `json:"startedAt"`
	MigratedIDs []string `json:"migratedIds"`
}

// Record is the persisted rotation state.
type Record struct {
	CurrentKeyID string    `json:"currentKeyId"`
	LastRotation int64     `json:"lastRotation"`
	IntervalDays int       `json:"intervalDays"`
	AutoRotate   bool      `json:"autoRotate"`
	History      []Event   `json:"history"`
	InProgress   *Progress `json:"inProgress,omitempty"`
}

func (r Record) clone() Record {
	r.History = slices.Clone(r.History)
	if r.InProgress != nil {
		p := *r.InProgress
		p.MigratedIDs = slices.Clone(p.MigratedIDs)
		r.InProgress = &p
	}
	return r
}

// appendEvent adds e and drops the oldest events beyond HistoryLimit
func (r *Record) appendEvent(e Event) {
	r.History = append(r.History, e)
	if over := len(r.History) - HistoryLimit; over > 0 {
		r.History = slices.Clone(r.History[over:])
	}
}

// due reports whether the interval has elapsed at now, and the whole days left.
// Both are false and -1 when auto-rotation is off.
func (r Record) due(now time.Time) (bool, int) {
	if !r.AutoRotate || r.IntervalDays <= 0 {
		return false, -1
	}
	next := time.UnixMilli(r.LastRotation).Add(time.Duration(r.IntervalDays) * 24 * time.Hour)
	left := next.Sub(now)
	if left <= 0 {
		return true, 0
	}
	return false, int(left / (24 * time.Hour))
}
