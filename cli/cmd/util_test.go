package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertValue(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"true", true},
		{"off", false},
		{"42", 42},
		{"1.5", 1.5},
		{"null", nil},
		{"filesystem", "filesystem"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, convertValue(tt.in))
		})
	}
}

func TestValidateConfigValue(t *testing.T) {
	assert.NoError(t, validateConfigValue("vault.store_type", "redis"))
	assert.ErrorContains(t, validateConfigValue("vault.store_type", "ftp"), "invalid vault.store_type")
	assert.NoError(t, validateConfigValue("keystore.type", "bolt"))
	assert.Error(t, validateConfigValue("keystore.type", "hsm"))
	assert.Error(t, validateConfigValue("vault.redis.db", 16))
	assert.Error(t, validateConfigValue("rotation.interval_days", -1))
	assert.NoError(t, validateConfigValue("log.level", "debug"))
	assert.NoError(t, validateConfigValue("vault.path", "/anything"))
}

func TestUnsetNestedKey(t *testing.T) {
	config := map[string]interface{}{
		"vault": map[string]interface{}{
			"s3": map[string]interface{}{"bucket": "b", "region": "r"},
		},
	}
	require.NoError(t, unsetNestedKey(config, "vault.s3.bucket"))
	assert.Equal(t, map[string]interface{}{"region": "r"}, config["vault"].(map[string]interface{})["s3"])
	assert.ErrorContains(t, unsetNestedKey(config, "audit.type"), "key path not found at audit")
}

func TestMaskSensitiveValues(t *testing.T) {
	config := map[string]interface{}{
		"vault": map[string]interface{}{
			"passphrase": "hunter2",
			"path":       ".safesphere",
			"sql":        map[string]interface{}{"dsn": "postgres://u:p@h/db"},
		},
	}
	maskSensitiveValues(config)
	vault := config["vault"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", vault["passphrase"])
	assert.Equal(t, ".safesphere", vault["path"])
	assert.Equal(t, "[REDACTED]", vault["sql"].(map[string]interface{})["dsn"])
}

func TestStoreConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	vaultPath = t.TempDir()

	cfg, err := storeConfig("file")
	require.NoError(t, err)
	assert.Equal(t, persist.StoreTypeFileSystem, cfg.Type)
	assert.Equal(t, vaultPath, cfg.Config["base_path"])

	_, err = storeConfig("s3")
	assert.ErrorContains(t, err, "vault.s3.bucket")

	viper.Set("vault.s3.bucket", "vault")
	viper.Set("vault.s3.region", "eu-west-1")
	viper.Set("vault.s3.access_key_id", "AKIA")
	_, err = storeConfig("s3")
	assert.ErrorContains(t, err, "vault.s3.secret_access_key")
	viper.Set("vault.s3.secret_access_key", "secret")
	cfg, err = storeConfig("S3")
	require.NoError(t, err)
	assert.Equal(t, "vault", cfg.Config["bucket"])

	viper.Set("vault.sql.dialect", persist.DialectSQLite)
	cfg, err = storeConfig("sql")
	require.NoError(t, err)
	assert.Contains(t, cfg.Config["dsn"], "safesphere.db")

	_, err = storeConfig("tape")
	assert.ErrorContains(t, err, "unsupported store type")
}

func TestBuildAuditConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("audit.enabled", true)
	viper.Set("audit.type", "syslog")
	viper.Set("audit.options.tag", "vault-test")

	cfg := buildAuditConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, audit.SyslogAuditType, cfg.Type)
	assert.Equal(t, "vault-test", cfg.Options["tag"])
}

func TestBuildQueryOptions(t *testing.T) {
	t.Cleanup(func() {
		auditSince, auditAction, auditFailuresOnly, auditActor = "", "", false, ""
	})
	auditSince = "2024-01-02T03:04:05Z"
	auditAction = "key_rotated"
	auditFailuresOnly = true
	auditActor = "system"

	opts, err := buildQueryOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.Since)
	assert.Equal(t, 2024, opts.Since.Year())
	assert.Equal(t, audit.KeyRotated, opts.Action)
	require.NotNil(t, opts.Success)
	assert.False(t, *opts.Success)
	assert.Equal(t, audit.ActorSystem, opts.Actor)

	auditAction = "EVERYTHING"
	_, err = buildQueryOptions()
	assert.Error(t, err)
}

func TestCalculateAuditStats(t *testing.T) {
	entries := []audit.Entry{
		{Action: audit.ItemAdded, ItemID: "a", Actor: audit.ActorUser, Result: audit.ResultSuccess, Timestamp: 1_700_000_000_000},
		{Action: audit.ItemAccessed, ItemID: "a", Actor: audit.ActorUser, Result: audit.ResultSuccess, Timestamp: 1_700_000_060_000},
		{Action: audit.KeyRotated, Actor: audit.ActorSystem, Result: audit.Failure("disk full"), Timestamp: 1_700_000_120_000},
	}
	stats := calculateAuditStats(entries, audit.QueryOptions{})

	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 2, stats.SuccessfulEvents)
	assert.Equal(t, 1, stats.FailedEvents)
	assert.Equal(t, 1, stats.SecurityEvents)
	assert.Equal(t, []ActionCount{{Action: "KEY_ROTATED", Count: 1}}, stats.TopFailedActions)
	assert.Equal(t, []ItemCount{{ItemID: "a", Count: 2}}, stats.TopItems)
	assert.Equal(t, 2, stats.ActorBreakdown[audit.ActorUser])
	assert.Equal(t, "all time", stats.TimeRange)
	require.NotNil(t, stats.FirstEvent)
	assert.True(t, stats.FirstEvent.Before(*stats.LastEvent))
}

func TestFormatError(t *testing.T) {
	assert.Equal(t, "", formatError(nil))
	assert.Equal(t, "Error: Boom", formatError(errors.New("boom")))

	wrapped := fmt.Errorf("failed to open vault: %w", errors.New("bad passphrase"))
	assert.Equal(t, "Error: failed to open vault: bad passphrase (caused by: bad passphrase)", formatError(wrapped))
}

func TestSanitizeArgs(t *testing.T) {
	assert.Equal(t, []string{"alice", "[REDACTED]"}, sanitizeArgs([]string{"alice", "S3cret!pass"}))
	assert.Equal(t, []string{"item-id"}, sanitizeArgs([]string{"item-id"}))
}

func TestFormatStrength(t *testing.T) {
	assert.Equal(t, "0/4", formatStrength(0))
	assert.Equal(t, "3/4", formatStrength(3))
	assert.Equal(t, "4/4", formatStrength(4))
}
