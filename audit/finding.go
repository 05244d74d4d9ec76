package audit

import (
	"fmt"
)

// Violation classifies a chain verification failure.
type Violation string

const (
	NoViolation Violation = ""
	// BrokenLink means an entry's previousHash does not match its predecessor,
	// which indicates deletion, insertion or reordering.
	BrokenLink Violation = "BROKEN_LINK"
	// HashMismatch means an entry's fields no longer produce its currentHash.
	HashMismatch Violation = "HASH_MISMATCH"
	// Unreadable means the persisted chain could not be decoded.
	Unreadable Violation = "UNREADABLE"
)

// Finding is the outcome of a chain replay. An invalid chain is reported here,
// never repaired; the caller decides what to do about it.
type Finding struct {
	Valid     bool      `json:"valid"`
	Violation Violation `json:"violation,omitempty"`
	// Index and EntryID locate the first bad entry; Index is -1 when Valid.
	Index    int    `json:"index"`
	EntryID  string `json:"entryId,omitempty"`
	Verified int    `json:"verified"`
	Message  string `json:"message"`
}

// VerifyEntries replays entries in order from Genesis and stops at the first
// broken link or recomputed hash mismatch.
func VerifyEntries(entries []Entry) Finding {
	expected := Genesis
	for i, e := range entries {
		if e.PreviousHash != expected {
			return Finding{
				Violation: BrokenLink,
				Index:     i,
				EntryID:   e.ID,
				Verified:  i,
				Message:   fmt.Sprintf("chain broken at entry %d (%s): previous hash does not link", i, e.ID),
			}
		}
		if ComputeHash(e) != e.CurrentHash {
			return Finding{
				Violation: HashMismatch,
				Index:     i,
				EntryID:   e.ID,
				Verified:  i,
				Message:   fmt.Sprintf("entry %d (%s) was modified: hash mismatch", i, e.ID),
			}
		}
		expected = e.CurrentHash
	}
	return Finding{
		Valid:    true,
		Index:    -1,
		Verified: len(entries),
		Message:  fmt.Sprintf("chain verified: %d entries", len(entries)),
	}
}
