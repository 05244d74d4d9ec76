package persist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/debug"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/misc"
)

const (
	documentExt = ".json"
	backupExt   = ".vault"
)

// FileSystemStore implements Store on the local filesystem, one directory per profile,
// with optimistic concurrency based on content hashes
type FileSystemStore struct {
	basePath    string
	profile     string
	profilePath string // basePath/profile/
	backupsDir  string // basePath/profile/backups/
	profileFile string // basePath/profile/profile.meta

	// serializes version check and rename within this process
	mu sync.Mutex
}

// ProfileInfo is written once when a profile directory is created
type ProfileInfo struct {
	Version    string    `json:"version"`
	Profile    string    `json:"profile"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, profile string) (*FileSystemStore, error) {
	if profile == "" {
		profile = "default"
	}
	if err := validateProfile(profile); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}

	profilePath := filepath.Join(basePath, profile)
	fs := &FileSystemStore{
		basePath:    basePath,
		profile:     profile,
		profilePath: profilePath,
		backupsDir:  filepath.Join(profilePath, "backups"),
		profileFile: filepath.Join(profilePath, "profile.meta"),
	}

	for _, dir := range []string{fs.profilePath, fs.backupsDir} {
		if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeProfileInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize profile: %w", err)
	}

	return fs, nil
}

func (fs *FileSystemStore) initializeProfileInfo() error {
	if _, err := os.Stat(fs.profileFile); os.IsNotExist(err) {
		info := ProfileInfo{
			Version:    "1",
			Profile:    fs.profile,
			CreatedAt:  time.Now().UTC(),
			LastAccess: time.Now().UTC(),
		}
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		return writeSecureFile(fs.profileFile, data, misc.FilePermissions)
	}
	return nil
}

// ListProfiles returns all profiles that have been initialized under the base path
func (fs *FileSystemStore) ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var profiles []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if ok, _ := fileExists(filepath.Join(fs.basePath, entry.Name(), "profile.meta")); ok {
			profiles = append(profiles, entry.Name())
		}
	}

	sort.Strings(profiles)
	return profiles, nil
}

func (fs *FileSystemStore) documentPath(name string) (string, error) {
	if err := validateDocumentName(name); err != nil {
		return "", err
	}
	return filepath.Join(fs.profilePath, name+documentExt), nil
}

// SaveDocument with optimistic concurrency control
func (fs *FileSystemStore) SaveDocument(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("document %s cannot be nil", name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := fs.documentPath(name)
	if err != nil {
		return "", err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if expectedVersion != "" {
		currentVersion, err := getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if !versionMatches(expectedVersion, currentVersion) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveDocument:" + name,
			}
		}
	}

	if err = writeSecureFile(path, data, misc.FilePermissions); err != nil {
		return "", err
	}

	debug.Print("SaveDocument: wrote %d bytes to %s\n", len(data), path)
	return calculateFileVersion(data), nil
}

// LoadDocument returns the versioned document
func (fs *FileSystemStore) LoadDocument(ctx context.Context, name string) (*VersionedData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := fs.documentPath(name)
	if err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat document %s: %w", name, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", name, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) DocumentExists(_ context.Context, name string) (bool, error) {
	path, err := fs.documentPath(name)
	if err != nil {
		return false, err
	}
	return fileExists(path)
}

func (fs *FileSystemStore) DeleteDocument(_ context.Context, name string) error {
	path, err := fs.documentPath(name)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err = os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("document %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("failed to delete document %s: %w", name, err)
	}
	return nil
}

func (fs *FileSystemStore) ListDocuments(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(fs.profilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), documentExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), documentExt))
	}
	sort.Strings(names)
	return names, nil
}

func (fs *FileSystemStore) backupPath(backupID string) (string, error) {
	backupID = strings.TrimSpace(backupID)
	if backupID == "" {
		return "", fmt.Errorf("backup id cannot be empty or whitespace-only")
	}
	if err := validateDocumentName(backupID); err != nil {
		return "", fmt.Errorf("invalid backup id: %w", err)
	}
	return filepath.Join(fs.backupsDir, strings.TrimSuffix(backupID, backupExt)+backupExt), nil
}

// SaveBackup writes the container to backups/<id>.vault
func (fs *FileSystemStore) SaveBackup(_ context.Context, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	path, err := fs.backupPath(container.BackupID)
	if err != nil {
		return err
	}

	if stat, err := os.Stat(path); err == nil && stat.IsDir() {
		return fmt.Errorf("cannot create backup file %s: path is an existing directory", path)
	}

	if container.Profile == "" {
		container.Profile = fs.profile
	}

	containerData, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	if err = writeSecureFile(path, containerData, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	debug.Print("SaveBackup: backup file created at: %s\n", path)
	return nil
}

func (fs *FileSystemStore) RestoreBackup(_ context.Context, backupID string) (*BackupContainer, error) {
	path, err := fs.backupPath(backupID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup file: %w", err)
	}

	if isValid, validationError := validateBackupContainer(&container); !isValid {
		return nil, fmt.Errorf("invalid backup file: %s", validationError)
	}

	return &container, nil
}

func (fs *FileSystemStore) DeleteBackup(_ context.Context, backupID string) error {
	path, err := fs.backupPath(backupID)
	if err != nil {
		return err
	}
	if err = os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return fmt.Errorf("failed to delete backup file: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) ListBackups(_ context.Context) ([]BackupInfo, error) {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	backups := []BackupInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(fs.backupsDir, entry.Name()))
		if err != nil {
			debug.Print("ListBackups: failed to read backup file %s: %v\n", entry.Name(), err)
			continue
		}

		var container BackupContainer
		if err := json.Unmarshal(data, &container); err != nil {
			debug.Print("ListBackups: failed to parse backup file %s: %v\n", entry.Name(), err)
			continue
		}

		backups = append(backups, backupInfoFromContainer(&container, int64(len(data)), entry.Name()))
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping(_ context.Context) error {
	_, err := os.Stat(fs.profilePath)
	return err
}

// Close stamps the profile's last access time
func (fs *FileSystemStore) Close() error {
	if data, err := os.ReadFile(fs.profileFile); err == nil {
		var info ProfileInfo
		if err := json.Unmarshal(data, &info); err == nil {
			info.LastAccess = time.Now().UTC()
			if updated, err := json.MarshalIndent(info, "", "  "); err == nil {
				_ = writeSecureFile(fs.profileFile, updated, misc.FilePermissions)
			}
		}
	}
	return nil
}

func getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

// calculateFileVersion uses the MD5 of the content as version identifier
func calculateFileVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile replaces path atomically via a synced temp file and rename.
// The temp file is removed on any failure.
func writeSecureFile(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	switch _, err := os.Stat(path); {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
