package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/debug"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface on an S3 compatible object store.
// Objects are laid out per profile:
//
//	bucket/
//	└── [keyPrefix/]<profile>/
//	    ├── profile.meta
//	    ├── documents/
//	    │   ├── items.json
//	    │   ├── audit_log.json
//	    │   └── rotation.json
//	    └── backups/
//	        └── backup_20240101_120000_ab12cd34.vault
//
// Document versions are object ETags; conditional writes use If-Match.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	profile    string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// NewS3Store connects to the object store and ensures the bucket exists.
// An empty profile defaults to "default".
func NewS3Store(config S3Config, profile string) (*S3Store, error) {
	if profile == "" {
		profile = "default"
	}
	if err := validateProfile(profile); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires 'endpoint' and 'bucket' in config")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
		profile:    profile,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	if err = store.initializeProfileInfo(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize profile: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store from a StoreConfig map
func NewS3StoreFromConfig(config StoreConfig, profile string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}
	var s3Config S3Config
	if err := decodeConfig(config.Config, &s3Config); err != nil {
		return nil, err
	}
	return NewS3Store(s3Config, profile)
}

func (s3s *S3Store) initializeProfileInfo(ctx context.Context) error {
	objectName := s3s.buildProfilePath("profile.meta")
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to check profile info: %w", err)
	}

	info := ProfileInfo{Version: "1", Profile: s3s.profile, CreatedAt: time.Now().UTC(), LastAccess: time.Now().UTC()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (s3s *S3Store) documentObjectName(name string) (string, error) {
	if err := validateDocumentName(name); err != nil {
		return "", err
	}
	return s3s.buildProfilePath("documents", name+documentExt), nil
}

// SaveDocument uploads the document. A non-empty expectedVersion is checked first
// and then enforced by If-Match so a concurrent writer cannot slip in between.
func (s3s *S3Store) SaveDocument(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("document %s cannot be nil", name)
	}
	objectName, err := s3s.documentObjectName(name)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"Created-At": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		current, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to verify current version: %w", err)
		}
		if !versionMatches(expectedVersion, current) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "SaveDocument:" + name,
			}
		}
		if expectedVersion == VersionNone {
			putOptions.SetMatchETagExcept("*")
		} else {
			putOptions.SetMatchETag(expectedVersion)
		}
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   "unknown",
				Operation:       "SaveDocument:" + name,
			}
		}
		return "", fmt.Errorf("failed to save document %s: %w", name, err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) LoadDocument(ctx context.Context, name string) (*VersionedData, error) {
	objectName, err := s3s.documentObjectName(name)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load document %s: %w", name, err)
	}
	defer object.Close()

	// GetObject is lazy; a missing key surfaces on Stat or Read
	objectInfo, err := object.Stat()
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat document %s: %w", name, err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", name, err)
	}

	timestamp := objectInfo.LastModified
	if createdAt, ok := objectInfo.UserMetadata["Created-At"]; ok {
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsed
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) DocumentExists(ctx context.Context, name string) (bool, error) {
	objectName, err := s3s.documentObjectName(name)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	_, err = s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s3s *S3Store) DeleteDocument(ctx context.Context, name string) error {
	exists, err := s3s.DocumentExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("document %s: %w", name, ErrNotFound)
	}

	objectName, _ := s3s.documentObjectName(name)
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()
	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) ListDocuments(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	prefix := s3s.buildProfilePath("documents") + "/"
	names := []string{}
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", object.Err)
		}
		base := path.Base(object.Key)
		if strings.HasSuffix(base, documentExt) {
			names = append(names, strings.TrimSuffix(base, documentExt))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s3s *S3Store) backupObjectName(backupID string) (string, error) {
	backupID = strings.TrimSuffix(strings.TrimSpace(backupID), backupExt)
	if err := validateDocumentName(backupID); err != nil {
		return "", fmt.Errorf("invalid backup id: %w", err)
	}
	return s3s.buildProfilePath("backups", backupID+backupExt), nil
}

func (s3s *S3Store) SaveBackup(ctx context.Context, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	objectName, err := s3s.backupObjectName(container.BackupID)
	if err != nil {
		return err
	}
	if container.Profile == "" {
		container.Profile = s3s.profile
	}

	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"Backup-Id":        container.BackupID,
				"Backup-Timestamp": container.BackupTimestamp.UTC().Format(time.RFC3339),
				"Profile":          container.Profile,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}

	debug.Print("SaveBackup: uploaded %s (%d bytes)\n", objectName, len(data))
	return nil
}

func (s3s *S3Store) readBackup(ctx context.Context, objectName string) (*BackupContainer, int64, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, 0, fmt.Errorf("failed to parse backup: %w", err)
	}
	return &container, int64(len(data)), nil
}

func (s3s *S3Store) RestoreBackup(ctx context.Context, backupID string) (*BackupContainer, error) {
	objectName, err := s3s.backupObjectName(backupID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	container, _, err := s3s.readBackup(ctx, objectName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to restore backup %s: %w", backupID, err)
	}

	if ok, validationError := validateBackupContainer(container); !ok {
		return nil, fmt.Errorf("invalid backup file: %s", validationError)
	}
	return container, nil
}

func (s3s *S3Store) DeleteBackup(ctx context.Context, backupID string) error {
	objectName, err := s3s.backupObjectName(backupID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	if _, err = s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if s3s.isNotFoundError(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return err
	}
	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	return nil
}

func (s3s *S3Store) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	prefix := s3s.buildProfilePath("backups") + "/"
	backups := []BackupInfo{}
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, backupExt) {
			continue
		}
		container, size, err := s3s.readBackup(ctx, object.Key)
		if err != nil {
			debug.Print("ListBackups: skipping %s: %v\n", object.Key, err)
			continue
		}
		backups = append(backups, backupInfoFromContainer(container, size, object.Key))
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (s3s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to reach object store: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

// Close is a no-op; the MinIO client holds no persistent connections to release
func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) buildProfilePath(components ...string) string {
	var parts []string
	if s3s.keyPrefix != "" {
		parts = append(parts, s3s.keyPrefix)
	}
	parts = append(parts, s3s.profile)
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
