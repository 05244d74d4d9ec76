package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/syslog"
)

// Ensure SyslogSink implements Sink interface
var _ Sink = (*SyslogSink)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// syslogWriter is the subset of *syslog.Writer the sink uses
type syslogWriter interface {
	Err(m string) error
	Notice(m string) error
	Info(m string) error
	Close() error
}

// SyslogSink exports ledger entries to syslog. Syslog is write-only, so the
// sink does not implement Querier.
type SyslogSink struct {
	logLevel   string
	syslogOpts SyslogOptions
	writer     syslogWriter
}

// NewSyslogSink creates a syslog export sink with options
func NewSyslogSink(config *Config) (*SyslogSink, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog sink options: %w", err)
	}

	if syslogOpts.Priority == 0 {
		switch config.LogLevel {
		case "error":
			syslogOpts.Priority = int(syslog.LOG_ERR | syslog.LOG_AUTH)
		case "warn":
			syslogOpts.Priority = int(syslog.LOG_WARNING | syslog.LOG_AUTH)
		default:
			syslogOpts.Priority = int(syslog.LOG_INFO | syslog.LOG_AUTH)
		}
	}
	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "safesphere-audit"
	}

	var writer *syslog.Writer
	var err error
	if syslogOpts.Network != "" && syslogOpts.Address != "" {
		writer, err = syslog.Dial(syslogOpts.Network, syslogOpts.Address,
			syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	} else {
		writer, err = syslog.New(syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogSink{logLevel: config.LogLevel, syslogOpts: syslogOpts, writer: writer}, nil
}

func (s *SyslogSink) Write(_ context.Context, entry Entry) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	// prefix for easy filtering
	msg := "SAFESPHERE_AUDIT: " + string(entryJSON)

	switch {
	case !entry.Succeeded() || entry.Action == IntegrityFailure:
		return s.writer.Err(msg)
	case entry.Action.SecurityCritical():
		return s.writer.Notice(msg)
	case s.logLevel == "error":
		return nil
	default:
		return s.writer.Info(msg)
	}
}

func (s *SyslogSink) Close() error {
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}
