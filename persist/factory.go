package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/crypto"
)

var documentNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-.]+$`)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, profile string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem, "file", "":
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, profile)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, profile)

	case StoreTypeRedis:
		return NewRedisStoreFromConfig(config, profile)

	case StoreTypeSQL:
		return NewSQLStoreFromConfig(config, profile)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// decodeConfig converts a loosely typed backend config map into target
func decodeConfig(options map[string]interface{}, target interface{}) error {
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// validateProfile validates the profile name for security
func validateProfile(profile string) error {
	if profile == "" {
		return fmt.Errorf("profile cannot be empty")
	}

	// prevent path traversal and key injection
	if strings.Contains(profile, "..") ||
		strings.Contains(profile, "/") ||
		strings.Contains(profile, "\\") ||
		strings.Contains(profile, " ") {
		return fmt.Errorf("profile contains invalid characters")
	}

	if len(profile) > 100 {
		return fmt.Errorf("profile too long (max 100 characters)")
	}

	return nil
}

func validateDocumentName(name string) error {
	if !documentNameRegex.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid document name %q", name)
	}
	if len(name) > 128 {
		return fmt.Errorf("document name too long (max 128 characters)")
	}
	return nil
}

// validateBackupContainer checks required fields and the checksum of the sealed payload
func validateBackupContainer(container *BackupContainer) (bool, string) {
	if container.BackupID == "" {
		return false, "missing BackupID"
	}
	if container.EncryptedData == "" {
		return false, "missing EncryptedData"
	}
	if container.Checksum == "" {
		return false, "missing Checksum"
	}

	encryptedData, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return false, fmt.Sprintf("invalid base64 in EncryptedData: %v", err)
	}

	if actual := crypto.CalculateChecksum(encryptedData); actual != container.Checksum {
		return false, fmt.Sprintf("checksum mismatch - expected: %s, actual: %s", container.Checksum, actual)
	}

	return true, ""
}

func backupInfoFromContainer(container *BackupContainer, size int64, path string) BackupInfo {
	valid, _ := validateBackupContainer(container)
	return BackupInfo{
		BackupID:         container.BackupID,
		BackupTimestamp:  container.BackupTimestamp,
		VaultVersion:     container.VaultVersion,
		BackupVersion:    container.BackupVersion,
		EncryptionMethod: container.EncryptionMethod,
		FileSize:         size,
		IsValid:          valid,
		Profile:          container.Profile,
		Checksum:         container.Checksum,
		DocumentCount:    container.DocumentCount,
		StorePath:        path,
	}
}

// versionMatches applies the expected-version rules of Store.SaveDocument to a
// non-empty expected version. A missing document has current version "".
func versionMatches(expected, current string) bool {
	if expected == VersionNone {
		return current == ""
	}
	return expected == current
}
