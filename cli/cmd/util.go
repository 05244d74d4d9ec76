package cmd

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	safesphere "github.com/Jaswanthnimmalla/SafeSphere-sub002"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configKeys describes every key understood by the command line
var configKeys = map[string]string{
	"vault.path":                 "Vault directory (file store, bbolt default, sqlite default)",
	"vault.profile":              "Profile that namespaces every vault document",
	"vault.passphrase":           "Passphrase unlocking the key store",
	"vault.store_type":           "Storage backend type (filesystem, s3, redis, sql)",
	"vault.memory_lock":          "Lock vault memory against swapping",
	"vault.s3.endpoint":          "S3 endpoint URL",
	"vault.s3.region":            "S3 region",
	"vault.s3.bucket":            "S3 bucket name",
	"vault.s3.prefix":            "S3 key prefix",
	"vault.s3.access_key_id":     "S3 access key ID",
	"vault.s3.secret_access_key": "S3 secret access key",
	"vault.s3.use_ssl":           "Use SSL for S3 connections",
	"vault.redis.addr":           "Redis server address",
	"vault.redis.db":             "Redis database number",
	"vault.redis.password":       "Redis password",
	"vault.sql.dialect":          "SQL dialect (sqlite, postgres)",
	"vault.sql.dsn":              "SQL data source name",
	"keystore.type":              "Key store type (document, bolt, memory)",
	"keystore.path":              "bbolt key store file",
	"rotation.auto_rotate":       "Remind when the master key is due for rotation",
	"rotation.interval_days":     "Days between master key rotations",
	"auth.attempt_interval":      "Sustained interval between login attempts per user, e.g. 2s",
	"auth.attempt_burst":         "Login attempts allowed back to back",
	"audit.enabled":              "Mirror audit entries to an export sink",
	"audit.type":                 "Audit sink type (file, syslog)",
	"audit.options.file_path":    "Audit export file path",
	"audit.options.network":      "Syslog network (udp, tcp, or empty for local)",
	"audit.options.address":      "Syslog server address",
	"audit.options.tag":          "Syslog tag",
	"log.level":                  "Log level (debug, info, warn, error)",
	"log.format":                 "Log format (text, json)",
}

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/safesphere/config.yaml"
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".safesphere.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	current := config
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	vault := map[string]interface{}{
		"store_type":  string(persist.StoreTypeFileSystem),
		"path":        ".safesphere",
		"profile":     safesphere.DefaultProfile,
		"memory_lock": true,
	}
	switch template {
	case "minimal":
		return map[string]interface{}{"vault": vault}
	case "full":
		vault["s3"] = map[string]interface{}{
			"endpoint": "",
			"bucket":   "",
			"region":   "us-east-1",
			"prefix":   "safesphere/",
			"use_ssl":  true,
		}
		vault["redis"] = map[string]interface{}{
			"addr":     "localhost:6379",
			"db":       0,
			"password": "",
		}
		vault["sql"] = map[string]interface{}{
			"dialect": persist.DialectSQLite,
			"dsn":     "",
		}
		return map[string]interface{}{
			"vault":    vault,
			"keystore": map[string]interface{}{"type": string(safesphere.KeyStoreDocument), "path": ""},
			"rotation": map[string]interface{}{"auto_rotate": true, "interval_days": 90},
			"auth":     map[string]interface{}{"attempt_interval": "2s", "attempt_burst": 5},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    string(audit.FileAuditType),
				"options": map[string]interface{}{"file_path": "audit.log"},
			},
			"log": map[string]interface{}{"level": "warn", "format": "text"},
		}
	default:
		return map[string]interface{}{
			"vault":    vault,
			"keystore": map[string]interface{}{"type": string(safesphere.KeyStoreDocument)},
			"rotation": map[string]interface{}{"auto_rotate": true, "interval_days": 90},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    string(audit.FileAuditType),
				"options": map[string]interface{}{"file_path": "audit.log"},
			},
		}
	}
}

// validateConfiguration checks the merged configuration without opening the vault
func validateConfiguration() []string {
	var problems []string

	storeType := viper.GetString("vault.store_type")
	vaultPath = viper.GetString("vault.path")
	store, err := storeConfig(storeType)
	if err != nil {
		problems = append(problems, err.Error())
	}

	opts := safesphere.DefaultOptions(vaultPath)
	opts.Store = store
	opts.Profile = viper.GetString("vault.profile")
	opts.KeyStore = safesphere.KeyStoreOptions{
		Type: safesphere.KeyStoreType(viper.GetString("keystore.type")),
		Path: viper.GetString("keystore.path"),
	}
	opts.Rotation.IntervalDays = viper.GetInt("rotation.interval_days")
	// the passphrase is checked when the vault opens, where it can be prompted for
	opts.EnvPassphraseVar = envPassphraseVar
	if err = opts.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{string(audit.FileAuditType), string(audit.SyslogAuditType)}
		if !slices.Contains(validAuditTypes, auditType) {
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}
		if auditType == string(audit.FileAuditType) && viper.GetString("audit.options.file_path") == "" {
			problems = append(problems, "audit file path is required when using file audit")
		}
	}

	return problems
}

func printConfigTable() error {
	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	source := "default"
	if used := viper.ConfigFileUsed(); used != "" {
		source = filepath.Base(used)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	for _, key := range keys {
		value, from := viper.Get(key), source
		if os.Getenv(envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			from = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, from)
	}
	return w.Flush()
}

// printRedactedConfig prints the merged settings with secrets masked
func printRedactedConfig(format string) error {
	settings := viper.AllSettings()
	maskSensitiveValues(settings)
	return printEncoded(format, settings)
}

func printConfigKeysTable(keys map[string]string) error {
	names := slices.Sorted(maps.Keys(keys))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, keys[name])
	}
	return w.Flush()
}

// printEncoded writes v to stdout as json or yaml
func printEncoded(format string, v interface{}) error {
	switch format {
	case "json":
		return printJSON(v)
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Print(string(data))
		return nil
	}
	return fmt.Errorf("unsupported format: %s", format)
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range []string{"passphrase", "password", "secret", "access_key", "token", "dsn"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// getDefaultEditor returns $EDITOR, $VISUAL or the first editor found on PATH
func getDefaultEditor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	if visual := os.Getenv("VISUAL"); visual != "" {
		return visual
	}

	var editors []string
	fallback := "vi"
	switch runtime.GOOS {
	case "windows":
		editors, fallback = []string{"notepad++.exe", "notepad.exe", "code.exe"}, "notepad.exe"
	case "darwin":
		editors, fallback = []string{"code", "nano", "vim", "vi"}, "nano"
	default:
		editors = []string{"nano", "vim", "vi", "emacs", "code"}
	}
	for _, editor := range editors {
		if _, err := exec.LookPath(editor); err == nil {
			return editor
		}
	}
	return fallback
}

func executeEditor(editor, file string) error {
	var cmd *exec.Cmd
	switch {
	case strings.Contains(editor, "code"):
		// wait for the window to close
		cmd = exec.Command(editor, "--wait", file)
	case strings.Contains(editor, "notepad++"):
		cmd = exec.Command(editor, "-multiInst", "-notabbar", file)
	default:
		cmd = exec.Command(editor, file)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// convertValue converts a command line string to its most appropriate type
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	case "null", "nil":
		return nil
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
}

// validateConfigValue checks a single value before it is written
func validateConfigValue(key string, value interface{}) error {
	oneOf := func(valid ...string) error {
		if str, ok := value.(string); ok && !slices.Contains(valid, str) {
			return fmt.Errorf("invalid %s: %s (valid: %s)", key, str, strings.Join(valid, ", "))
		}
		return nil
	}
	switch key {
	case "vault.store_type":
		return oneOf(string(persist.StoreTypeFileSystem), string(persist.StoreTypeS3), string(persist.StoreTypeRedis), string(persist.StoreTypeSQL))
	case "keystore.type":
		return oneOf(string(safesphere.KeyStoreDocument), string(safesphere.KeyStoreBolt), string(safesphere.KeyStoreMemory))
	case "vault.sql.dialect":
		return oneOf(persist.DialectSQLite, persist.DialectPostgres)
	case "audit.type":
		return oneOf(string(audit.FileAuditType), string(audit.SyslogAuditType))
	case "log.level":
		return oneOf("debug", "info", "warn", "error")
	case "log.format":
		return oneOf("text", "json")
	case "vault.redis.db":
		if num, ok := value.(int); ok && (num < 0 || num > 15) {
			return fmt.Errorf("redis db must be between 0 and 15")
		}
	case "rotation.interval_days", "auth.attempt_burst":
		if num, ok := value.(int); ok && num < 0 {
			return fmt.Errorf("%s cannot be negative", key)
		}
	}
	return nil
}

func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
