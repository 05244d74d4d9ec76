package persist

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// VersionNone is the expected version of a document that must not exist yet.
const VersionNone = "-"

// ErrNotFound is returned by LoadDocument, DeleteDocument and backup lookups for missing objects.
var ErrNotFound = errors.New("not found")

// VersionedData represents a document with its version information
type VersionedData struct {
	Data      []byte
	Version   string // content hash, ETag or row version
	Timestamp time.Time
}

// Store persists named documents for one vault profile.
//
// Every repository, the audit ledger, the rotation record and the document-backed
// key store each own exactly one document. A document is always rewritten as a
// whole. Implementations must make the replacement atomic: a reader observes either
// the previous or the new content, never a partial write.
//
// Saves take the version the caller last loaded. An empty expectedVersion skips the
// check, VersionNone requires that the document does not exist yet, and any other
// value that differs from the stored version fails with a ConcurrencyError and
// nothing is written.
type Store interface {

	// Documents

	// SaveDocument atomically replaces the named document and returns its new version.
	SaveDocument(ctx context.Context, name string, data []byte, expectedVersion string) (newVersion string, err error)

	// LoadDocument returns the document and its version, or ErrNotFound.
	LoadDocument(ctx context.Context, name string) (*VersionedData, error)

	// DocumentExists reports whether the named document is present.
	DocumentExists(ctx context.Context, name string) (bool, error)

	// DeleteDocument removes the named document, or returns ErrNotFound.
	DeleteDocument(ctx context.Context, name string) error

	// ListDocuments returns the names of all documents in the profile, sorted.
	ListDocuments(ctx context.Context) ([]string, error)

	// Backups

	// SaveBackup stores a sealed backup container under its BackupID.
	SaveBackup(ctx context.Context, container *BackupContainer) error

	// RestoreBackup loads and validates the container with the given id.
	RestoreBackup(ctx context.Context, backupID string) (*BackupContainer, error)

	// ListBackups returns information about stored backups without decrypting them.
	ListBackups(ctx context.Context) ([]BackupInfo, error)

	// DeleteBackup removes the backup with the given id.
	DeleteBackup(ctx context.Context, backupID string) error

	// Health and utilities

	// Ping tests connectivity for remote backends and directory access for local ones.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error

	// GetType returns the backend name, e.g. "filesystem" or "s3".
	GetType() string
}

// BackupContainer is the outer backup format. Only EncryptedData is sealed.
type BackupContainer struct {
	BackupID        string    `json:"backup_id"`
	BackupTimestamp time.Time `json:"backup_timestamp"`

	// VaultVersion is the version of the software that wrote the backup.
	VaultVersion  string `json:"vault_version"`
	BackupVersion string `json:"backup_version"`

	// Checksum is the hex SHA-256 of the decoded EncryptedData.
	Checksum string `json:"checksum"`

	// EncryptionMethod names the sealing scheme, e.g. "pbkdf2+chacha20poly1305".
	EncryptionMethod string `json:"encryption_method"`

	// EncryptedData is the base64 sealed BackupData.
	EncryptedData string `json:"encrypted_data"`

	Profile       string `json:"profile"`
	DocumentCount int    `json:"document_count"`
}

// BackupData is the plaintext inside a backup container: every document by name.
// The documents themselves already hold only ciphertext payloads and signatures.
type BackupData struct {
	Documents map[string][]byte `json:"documents"`
}

// BackupInfo describes a stored backup without decrypting it.
type BackupInfo struct {
	BackupID         string    `json:"backup_id"`
	BackupTimestamp  time.Time `json:"backup_timestamp"`
	VaultVersion     string    `json:"vault_version"`
	BackupVersion    string    `json:"backup_version"`
	EncryptionMethod string    `json:"encryption_method"`
	FileSize         int64     `json:"file_size"`
	IsValid          bool      `json:"is_valid"` // checksum validation result
	Profile          string    `json:"profile"`
	Checksum         string    `json:"checksum"`
	DocumentCount    int       `json:"document_count"`
	StorePath        string    `json:"store_path"` // backend-specific path or key
}

// StoreConfig selects and configures a storage backend.
//
// Example:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/safesphere"},
//	}
type StoreConfig struct {
	Type StoreType `json:"type" yaml:"type" mapstructure:"type"`

	// Config holds backend specific settings, e.g. "base_path" for the
	// filesystem or "bucket" and "region" for S3.
	Config map[string]interface{} `json:"config" yaml:"config" mapstructure:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeRedis      StoreType = "redis"
	StoreTypeSQL        StoreType = "sql"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err is, or wraps, a version conflict.
func IsConcurrencyError(err error) bool {
	var ce interface{ IsConcurrencyError() bool }
	return errors.As(err, &ce) && ce.IsConcurrencyError()
}

// RetryConfig configures retry behavior for concurrent operations
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the retry policy used by document writers
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   1 * time.Second,
	}
}

// WithRetry runs fn until it succeeds, returns a non-conflict error, or the
// retry budget is spent. Conflicts back off exponentially with 25% jitter.
func WithRetry(ctx context.Context, config RetryConfig, operation string, fn func() error) error {
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsConcurrencyError(err) {
			return err
		}
		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		delay := config.BaseDelay * (1 << attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
		delay += time.Duration(float64(delay) * 0.25 * (2*rand.Float64() - 1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}
