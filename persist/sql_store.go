package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQL dialects understood by SQLStore
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore implements Store on a relational database. Documents live in one
// table keyed by (profile, name); conditional saves are a single UPDATE guarded
// by the expected version.
type SQLStore struct {
	db      *sql.DB
	dialect string
	profile string
}

// SQLConfig configures the SQL backend
type SQLConfig struct {
	// Dialect is "sqlite" (modernc.org/sqlite) or "postgres" (pgx)
	Dialect string `json:"dialect"`
	// DSN is a file path / URI for sqlite or a connection string for postgres
	DSN string `json:"dsn"`
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// OpenSQLStore opens the database, applies migrations and returns the store
func OpenSQLStore(ctx context.Context, config SQLConfig, profile string) (*SQLStore, error) {
	var driver string
	switch config.Dialect {
	case DialectSQLite, "sqlite3", "":
		config.Dialect, driver = DialectSQLite, "sqlite"
	case DialectPostgres, "pgx":
		config.Dialect, driver = DialectPostgres, "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql dialect: %s", config.Dialect)
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("sql storage requires 'dsn' in config")
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.Dialect == DialectSQLite {
		// a single writer avoids SQLITE_BUSY between pooled connections
		db.SetMaxOpenConns(1)
	}

	store, err := NewSQLStore(db, config.Dialect, profile)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err = store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewSQLStoreFromConfig opens a store from a StoreConfig map
func NewSQLStoreFromConfig(config StoreConfig, profile string) (*SQLStore, error) {
	var sqlConfig SQLConfig
	if err := decodeConfig(config.Config, &sqlConfig); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return OpenSQLStore(ctx, sqlConfig, profile)
}

// NewSQLStore wraps an already opened database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect, profile string) (*SQLStore, error) {
	if profile == "" {
		profile = "default"
	}
	if err := validateProfile(profile); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, profile: profile}, nil
}

// Migrate applies the embedded goose migrations
func (s *SQLStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	gooseDialect := "sqlite3"
	if s.dialect == DialectPostgres {
		gooseDialect = "pgx"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return gooseUpContext(ctx, s.db, ".")
}

// rebind converts ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SaveDocument(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("document %s cannot be nil", name)
	}
	if err := validateDocumentName(name); err != nil {
		return "", err
	}

	newVersion := calculateFileVersion(data)
	now := time.Now().UTC().UnixNano()

	if expectedVersion == "" {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO documents (profile, name, data, version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (profile, name)
			DO UPDATE SET data = excluded.data, version = excluded.version, updated_at = excluded.updated_at`),
			s.profile, name, string(data), newVersion, now)
		if err != nil {
			return "", fmt.Errorf("failed to save document %s: %w", name, err)
		}
		return newVersion, nil
	}

	var res sql.Result
	var err error
	if expectedVersion == VersionNone {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO documents (profile, name, data, version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (profile, name) DO NOTHING`),
			s.profile, name, string(data), newVersion, now)
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE documents SET data = ?, version = ?, updated_at = ?
			WHERE profile = ? AND name = ? AND version = ?`),
			string(data), newVersion, now, s.profile, name, expectedVersion)
	}
	if err != nil {
		return "", fmt.Errorf("failed to save document %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to save document %s: %w", name, err)
	}
	if affected == 0 {
		current, err := s.currentVersion(ctx, name)
		if err != nil {
			return "", err
		}
		return "", ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
			Operation:       "SaveDocument:" + name,
		}
	}
	return newVersion, nil
}

func (s *SQLStore) currentVersion(ctx context.Context, name string) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version FROM documents WHERE profile = ? AND name = ?`),
		s.profile, name).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check current version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) LoadDocument(ctx context.Context, name string) (*VersionedData, error) {
	if err := validateDocumentName(name); err != nil {
		return nil, err
	}

	var (
		data      string
		version   string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT data, version, updated_at FROM documents WHERE profile = ? AND name = ?`),
		s.profile, name).Scan(&data, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", name, err)
	}

	return &VersionedData{
		Data:      []byte(data),
		Version:   version,
		Timestamp: time.Unix(0, updatedAt).UTC(),
	}, nil
}

func (s *SQLStore) DocumentExists(ctx context.Context, name string) (bool, error) {
	if err := validateDocumentName(name); err != nil {
		return false, err
	}
	version, err := s.currentVersion(ctx, name)
	if err != nil {
		return false, err
	}
	return version != "", nil
}

func (s *SQLStore) DeleteDocument(ctx context.Context, name string) error {
	if err := validateDocumentName(name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM documents WHERE profile = ? AND name = ?`), s.profile, name)
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", name, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT name FROM documents WHERE profile = ? ORDER BY name`), s.profile)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLStore) SaveBackup(ctx context.Context, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	if err := validateDocumentName(container.BackupID); err != nil {
		return fmt.Errorf("invalid backup id: %w", err)
	}
	if container.Profile == "" {
		container.Profile = s.profile
	}
	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO backups (profile, backup_id, container, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (profile, backup_id) DO UPDATE SET container = excluded.container, created_at = excluded.created_at`),
		s.profile, container.BackupID, string(data), container.BackupTimestamp.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}
	return nil
}

func (s *SQLStore) RestoreBackup(ctx context.Context, backupID string) (*BackupContainer, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT container FROM backups WHERE profile = ? AND backup_id = ?`),
		s.profile, backupID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backup %s: %w", backupID, err)
	}

	var container BackupContainer
	if err = json.Unmarshal([]byte(data), &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	if ok, validationError := validateBackupContainer(&container); !ok {
		return nil, fmt.Errorf("invalid backup file: %s", validationError)
	}
	return &container, nil
}

func (s *SQLStore) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT backup_id, container FROM backups WHERE profile = ?`), s.profile)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	backups := []BackupInfo{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var container BackupContainer
		if err := json.Unmarshal([]byte(data), &container); err != nil {
			continue
		}
		backups = append(backups, backupInfoFromContainer(&container, int64(len(data)), "backups/"+id))
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (s *SQLStore) DeleteBackup(ctx context.Context, backupID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM backups WHERE profile = ? AND backup_id = ?`), s.profile, backupID)
	if err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) GetType() string {
	return string(StoreTypeSQL)
}
