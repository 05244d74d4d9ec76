package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Config defines where appended ledger entries are exported
type Config struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Type     ConfigType             `json:"type" yaml:"type" mapstructure:"type"`          // "file", "syslog" or ""
	Options  map[string]interface{} `json:"options" yaml:"options" mapstructure:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty" mapstructure:"log_level"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Sink receives a copy of every entry appended to the ledger. The ledger stays
// the source of truth; a sink failure is logged and never undoes an append.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
	Close() error
}

// Querier is implemented by sinks that can read back what they exported
type Querier interface {
	Query(options QueryOptions) (QueryResult, error)
}

// QueryOptions for filtering exported entries
type QueryOptions struct {
	Since    *time.Time
	Until    *time.Time
	Action   Action
	ItemID   string
	Actor    string
	Success  *bool // nil = all, true = only success, false = only failures
	Limit    int
	Offset   int
	Security bool // only security-critical actions
}

// QueryResult contains the results of a query
type QueryResult struct {
	Entries    []Entry `json:"entries"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewSink creates an export sink based on configuration
func NewSink(config *Config) (Sink, error) {
	if config == nil || !config.Enabled {
		return NewNoOpSink(), nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileSink(config)
	case SyslogAuditType:
		return NewSyslogSink(config)
	case NoOp:
		return NewNoOpSink(), nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// matches reports whether an entry satisfies the query filters
func (o QueryOptions) matches(e Entry) bool {
	ts := time.UnixMilli(e.Timestamp)
	if o.Since != nil && ts.Before(*o.Since) {
		return false
	}
	if o.Until != nil && ts.After(*o.Until) {
		return false
	}
	if o.Action != "" && e.Action != o.Action {
		return false
	}
	if o.ItemID != "" && e.ItemID != o.ItemID {
		return false
	}
	if o.Actor != "" && e.Actor != o.Actor {
		return false
	}
	if o.Success != nil && e.Succeeded() != *o.Success {
		return false
	}
	if o.Security && !e.Action.SecurityCritical() {
		return false
	}
	return true
}

// Filter applies options to entries in chain order and returns the matches
// newest first.
func Filter(entries []Entry, options QueryOptions) QueryResult {
	var matched []Entry
	for _, e := range entries {
		if options.matches(e) {
			matched = append(matched, e)
		}
	}
	newestFirst(matched)
	res := page(matched, options)
	res.TotalCount = len(entries)
	return res
}

// page cuts Offset and Limit out of already filtered entries
func page(entries []Entry, options QueryOptions) QueryResult {
	start := min(max(options.Offset, 0), len(entries))
	end := len(entries)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}
	return QueryResult{
		Entries:  entries[start:end],
		Filtered: len(entries),
		HasMore:  end < len(entries),
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
