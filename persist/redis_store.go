package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Each document is a hash holding the
// content, its MD5 version and the write time; a per-profile set indexes names.
//
//	<prefix>:<profile>:doc:<name>     hash {data, version, ts}
//	<prefix>:<profile>:docs           set of document names
//	<prefix>:<profile>:backup:<id>    string (BackupContainer JSON)
//	<prefix>:<profile>:backups        set of backup ids
type RedisStore struct {
	client  *redis.Client
	prefix  string
	profile string
}

// RedisConfig holds connection settings for the Redis backend
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// redisSaveScript compares the stored version with ARGV[1] (empty skips the
// check, "-" requires a missing document) and writes the document in one step. Returns {1, newVersion} on
// success or {0, currentVersion} on conflict.
var redisSaveScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if not current then
  current = ""
end
local want = ARGV[1]
if want == "-" then
  want = ""
end
if ARGV[1] ~= "" and want ~= current then
  return {0, current}
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "version", ARGV[3], "ts", ARGV[4])
redis.call("SADD", KEYS[2], ARGV[5])
return {1, ARGV[3]}
`)

func NewRedisStore(config RedisConfig, profile string) (*RedisStore, error) {
	if profile == "" {
		profile = "default"
	}
	if err := validateProfile(profile); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if config.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "safesphere"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisStore{client: client, prefix: prefix, profile: profile}, nil
}

func NewRedisStoreFromConfig(config StoreConfig, profile string) (*RedisStore, error) {
	var redisConfig RedisConfig
	if err := decodeConfig(config.Config, &redisConfig); err != nil {
		return nil, err
	}
	return NewRedisStore(redisConfig, profile)
}

func (r *RedisStore) key(parts ...string) string {
	return strings.Join(append([]string{r.prefix, r.profile}, parts...), ":")
}

func (r *RedisStore) SaveDocument(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("document %s cannot be nil", name)
	}
	if err := validateDocumentName(name); err != nil {
		return "", err
	}

	newVersion := calculateFileVersion(data)
	now := strconv.FormatInt(time.Now().UTC().UnixNano(), 10)

	result, err := redisSaveScript.Run(ctx, r.client,
		[]string{r.key("doc", name), r.key("docs")},
		expectedVersion, data, newVersion, now, name).Result()
	if err != nil {
		return "", fmt.Errorf("failed to save document %s: %w", name, err)
	}

	values, ok := result.([]any)
	if !ok || len(values) < 2 {
		return "", errors.New("unexpected redis save response")
	}
	status, _ := values[0].(int64)
	version, _ := values[1].(string)
	if status != 1 {
		return "", ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   version,
			Operation:       "SaveDocument:" + name,
		}
	}
	return version, nil
}

func (r *RedisStore) LoadDocument(ctx context.Context, name string) (*VersionedData, error) {
	if err := validateDocumentName(name); err != nil {
		return nil, err
	}

	fields, err := r.client.HMGet(ctx, r.key("doc", name), "data", "version", "ts").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", name, err)
	}
	data, ok := fields[0].(string)
	if !ok {
		return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
	}
	version, _ := fields[1].(string)

	var timestamp time.Time
	if ts, ok := fields[2].(string); ok {
		if nanos, err := strconv.ParseInt(ts, 10, 64); err == nil {
			timestamp = time.Unix(0, nanos).UTC()
		}
	}

	return &VersionedData{Data: []byte(data), Version: version, Timestamp: timestamp}, nil
}

func (r *RedisStore) DocumentExists(ctx context.Context, name string) (bool, error) {
	if err := validateDocumentName(name); err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, r.key("doc", name)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) DeleteDocument(ctx context.Context, name string) error {
	if err := validateDocumentName(name); err != nil {
		return err
	}
	n, err := r.client.Del(ctx, r.key("doc", name)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", name, ErrNotFound)
	}
	return r.client.SRem(ctx, r.key("docs"), name).Err()
}

func (r *RedisStore) ListDocuments(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.key("docs")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStore) SaveBackup(ctx context.Context, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	if err := validateDocumentName(container.BackupID); err != nil {
		return fmt.Errorf("invalid backup id: %w", err)
	}
	if container.Profile == "" {
		container.Profile = r.profile
	}
	data, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("backup", container.BackupID), data, 0)
		pipe.SAdd(ctx, r.key("backups"), container.BackupID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}
	return nil
}

func (r *RedisStore) readBackup(ctx context.Context, backupID string) (*BackupContainer, int64, error) {
	data, err := r.client.Get(ctx, r.key("backup", backupID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return nil, 0, err
	}
	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, 0, fmt.Errorf("failed to parse backup: %w", err)
	}
	return &container, int64(len(data)), nil
}

func (r *RedisStore) RestoreBackup(ctx context.Context, backupID string) (*BackupContainer, error) {
	container, _, err := r.readBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if ok, validationError := validateBackupContainer(container); !ok {
		return nil, fmt.Errorf("invalid backup file: %s", validationError)
	}
	return container, nil
}

func (r *RedisStore) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	ids, err := r.client.SMembers(ctx, r.key("backups")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := []BackupInfo{}
	for _, id := range ids {
		container, size, err := r.readBackup(ctx, id)
		if err != nil {
			continue
		}
		backups = append(backups, backupInfoFromContainer(container, size, r.key("backup", id)))
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (r *RedisStore) DeleteBackup(ctx context.Context, backupID string) error {
	n, err := r.client.Del(ctx, r.key("backup", backupID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	if n == 0 {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	return r.client.SRem(ctx, r.key("backups"), backupID).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) GetType() string {
	return string(StoreTypeRedis)
}
