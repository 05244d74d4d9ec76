package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"
	"time"

	safesphere "github.com/Jaswanthnimmalla/SafeSphere-sub002"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

const (
	envPrefix        = "SAFESPHERE"
	envPassphraseVar = envPrefix + "_PASSPHRASE"
)

var (
	cfgFile    string
	vaultPath  string
	passphrase string
	vaultSvc   safesphere.VaultService
	logger     logging.Logger
	cliContext *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

var rootCmd = &cobra.Command{
	Use:   "safesphere",
	Short: "An encrypted local vault for items, passwords and users",
	Long: `SafeSphere keeps personal items, passwords and user accounts encrypted at rest.
Every record is sealed with ChaCha20-Poly1305 under a rotating master key and
signed, and every action is appended to a tamper-evident audit chain.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if vaultSvc == nil {
			return nil
		}
		logger.Debug(cmd.Context(), "command complete",
			"command", cmd.CommandPath(),
			"duration_ms", time.Since(cliContext.StartTime).Milliseconds())
		err := vaultSvc.Close()
		vaultSvc = nil
		return err
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		if vaultSvc != nil {
			_ = vaultSvc.Close()
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.safesphere.yaml)")
	pf.StringVarP(&vaultPath, "vault-path", "p", "", "path to vault storage")
	pf.StringVar(&passphrase, "passphrase", "", "vault passphrase (or use "+envPassphraseVar+" env var)")
	pf.String("profile", "", "vault profile")
	pf.String("store-type", "", "storage backend type (filesystem, s3, redis, sql)")
	pf.String("keystore", "", "key store type (document, bolt, memory)")
	pf.String("keystore-path", "", "bbolt key store file")
	pf.Bool("memory-lock", true, "lock vault memory against swapping")

	bindFlagOrPanic("vault.path", "vault-path")
	bindFlagOrPanic("vault.passphrase", "passphrase")
	bindFlagOrPanic("vault.profile", "profile")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("keystore.type", "keystore")
	bindFlagOrPanic("keystore.path", "keystore-path")
	bindFlagOrPanic("vault.memory_lock", "memory-lock")

	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	bindFlagOrPanic("log.level", "log-level")
	bindFlagOrPanic("log.format", "log-format")

	pf.Bool("audit", false, "mirror audit entries to an export sink")
	pf.String("audit-type", "", "audit sink type (file, syslog)")
	pf.String("audit-file", "", "audit export file path")
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	pf.String("s3-endpoint", "", "S3 endpoint URL")
	pf.String("s3-region", "", "S3 region")
	pf.String("s3-bucket", "", "S3 bucket name")
	pf.String("s3-prefix", "", "S3 key prefix")
	pf.String("s3-access-key", "", "S3 access key ID")
	pf.String("s3-secret-key", "", "S3 secret access key")
	pf.Bool("s3-use-ssl", true, "use SSL for S3 connections")
	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")

	pf.String("redis-addr", "", "Redis server address")
	pf.String("redis-password", "", "Redis password")
	pf.Int("redis-db", 0, "Redis database number")
	bindFlagOrPanic("vault.redis.addr", "redis-addr")
	bindFlagOrPanic("vault.redis.password", "redis-password")
	bindFlagOrPanic("vault.redis.db", "redis-db")

	pf.String("sql-dialect", "", "SQL dialect (sqlite, postgres)")
	pf.String("sql-dsn", "", "SQL data source name")
	bindFlagOrPanic("vault.sql.dialect", "sql-dialect")
	bindFlagOrPanic("vault.sql.dsn", "sql-dsn")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/safesphere")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".safesphere")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", ".safesphere")
	viper.SetDefault("vault.profile", safesphere.DefaultProfile)
	viper.SetDefault("vault.store_type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("vault.memory_lock", true)

	viper.SetDefault("keystore.type", string(safesphere.KeyStoreDocument))

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.prefix", "safesphere/")
	viper.SetDefault("vault.s3.use_ssl", true)
	viper.SetDefault("vault.redis.addr", "localhost:6379")
	viper.SetDefault("vault.sql.dialect", persist.DialectSQLite)

	viper.SetDefault("rotation.auto_rotate", false)
	viper.SetDefault("rotation.interval_days", 90)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.format", "text")
}

// skipVault lists commands that never open the vault
func skipVault(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config", "debug-config", "version":
			return true
		}
	}
	return false
}

func initializeVault(cmd *cobra.Command, args []string) error {
	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}
	logger = logging.New(os.Stderr, viper.GetString("log.format"), viper.GetString("log.level")).
		With("session_id", cliContext.SessionID, "user_id", cliContext.UserID)

	if skipVault(cmd) {
		return nil
	}
	ctx := cmd.Context()
	logger.Debug(ctx, "command start",
		"command", cmd.CommandPath(),
		"args", sanitizeArgs(args),
		"flags", sanitizeFlags(cmd),
		"source", cliContext.Source)

	vaultPath = viper.GetString("vault.path")
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(vaultPath, "audit.log"))
	}

	opts, err := buildOptions()
	if err != nil {
		return err
	}
	if err = os.MkdirAll(vaultPath, 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	v, err := safesphere.New(ctx, opts, safesphere.Dependencies{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}
	vaultSvc = v
	return nil
}

// buildOptions maps the merged viper configuration onto vault options
func buildOptions() (safesphere.Options, error) {
	opts := safesphere.DefaultOptions(vaultPath)
	opts.Profile = viper.GetString("vault.profile")
	opts.EnableMemoryLock = viper.GetBool("vault.memory_lock")
	opts.KeyStore = safesphere.KeyStoreOptions{
		Type: safesphere.KeyStoreType(viper.GetString("keystore.type")),
		Path: viper.GetString("keystore.path"),
	}
	opts.Rotation = safesphere.RotationOptions{
		AutoRotate:   viper.GetBool("rotation.auto_rotate"),
		IntervalDays: viper.GetInt("rotation.interval_days"),
	}
	opts.Auth = safesphere.AuthOptions{
		AttemptInterval: viper.GetDuration("auth.attempt_interval"),
		AttemptBurst:    viper.GetInt("auth.attempt_burst"),
	}
	opts.Audit = buildAuditConfig()
	opts.Audit.LogLevel = viper.GetString("log.level")

	store, err := storeConfig(viper.GetString("vault.store_type"))
	if err != nil {
		return opts, err
	}
	opts.Store = store

	if opts.KeyStore.Type == safesphere.KeyStoreMemory {
		return opts, opts.Validate()
	}
	passphrase = viper.GetString("vault.passphrase")
	switch {
	case passphrase != "":
		opts.Passphrase = passphrase
	case os.Getenv(envPassphraseVar) != "":
		opts.EnvPassphraseVar = envPassphraseVar
	default:
		p, err := promptPassphrase("Vault passphrase: ")
		if err != nil {
			return opts, err
		}
		opts.Passphrase = p
	}
	return opts, opts.Validate()
}

func storeConfig(storeType string) (persist.StoreConfig, error) {
	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeFileSystem, "file", "":
		return persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": vaultPath},
		}, nil

	case persist.StoreTypeS3:
		cfg := persist.S3Config{
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
			Bucket:          viper.GetString("vault.s3.bucket"),
			KeyPrefix:       viper.GetString("vault.s3.prefix"),
			UseSSL:          viper.GetBool("vault.s3.use_ssl"),
			Region:          viper.GetString("vault.s3.region"),
		}
		if err := validateS3Config(cfg); err != nil {
			return persist.StoreConfig{}, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.StoreConfig{Type: persist.StoreTypeS3, Config: map[string]interface{}{
			"endpoint":          cfg.Endpoint,
			"access_key_id":     cfg.AccessKeyID,
			"secret_access_key": cfg.SecretAccessKey,
			"bucket":            cfg.Bucket,
			"key_prefix":        cfg.KeyPrefix,
			"use_ssl":           cfg.UseSSL,
			"region":            cfg.Region,
		}}, nil

	case persist.StoreTypeRedis:
		addr := viper.GetString("vault.redis.addr")
		if addr == "" {
			return persist.StoreConfig{}, errors.New("missing required configuration: vault.redis.addr")
		}
		return persist.StoreConfig{Type: persist.StoreTypeRedis, Config: map[string]interface{}{
			"addr":     addr,
			"password": viper.GetString("vault.redis.password"),
			"db":       viper.GetInt("vault.redis.db"),
		}}, nil

	case persist.StoreTypeSQL:
		dialect, dsn := viper.GetString("vault.sql.dialect"), viper.GetString("vault.sql.dsn")
		if dsn == "" && dialect == persist.DialectSQLite {
			dsn = filepath.Join(vaultPath, "safesphere.db")
		}
		if dsn == "" {
			return persist.StoreConfig{}, errors.New("missing required configuration: vault.sql.dsn")
		}
		return persist.StoreConfig{Type: persist.StoreTypeSQL, Config: map[string]interface{}{
			"dialect": dialect,
			"dsn":     dsn,
		}}, nil

	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3, redis, sql", storeType)
	}
}

// validateS3Config requires a bucket and region, and static credentials in pairs.
// With neither key set requests are sent unsigned.
func validateS3Config(config persist.S3Config) error {
	required := map[string]bool{
		"vault.s3.bucket":            config.Bucket != "",
		"vault.s3.region":            config.Region != "",
		"vault.s3.access_key_id":     config.AccessKeyID != "" || config.SecretAccessKey == "",
		"vault.s3.secret_access_key": config.SecretAccessKey != "" || config.AccessKeyID == "",
	}
	var missing []string
	for key, ok := range required {
		if !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
}

// promptPassphrase reads a passphrase from the terminal without echo. It
// refuses to read from a pipe so scripts fail fast instead of hanging.
func promptPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("vault passphrase is required: use --passphrase or the %s environment variable", envPassphraseVar)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(b), nil
}

func getStoreConfigSummary(storeType string) string {
	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeFileSystem, "file":
		return fmt.Sprintf("File store: path=%s", viper.GetString("vault.path"))
	case persist.StoreTypeS3:
		return fmt.Sprintf("S3 store: bucket=%s, region=%s, prefix=%s",
			viper.GetString("vault.s3.bucket"),
			viper.GetString("vault.s3.region"),
			viper.GetString("vault.s3.prefix"))
	case persist.StoreTypeRedis:
		return fmt.Sprintf("Redis store: addr=%s, db=%d", viper.GetString("vault.redis.addr"), viper.GetInt("vault.redis.db"))
	case persist.StoreTypeSQL:
		return fmt.Sprintf("SQL store: dialect=%s", viper.GetString("vault.sql.dialect"))
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token", "dsn"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns the OS user name, falling back to $USER and then
// "unknown_user".
func getCurrentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if envUser := os.Getenv("USER"); envUser != "" {
		return envUser
	}
	return "unknown_user"
}

func generateSessionID() string {
	return uuid.New().String()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}

var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Configuration Debug Information\n")
		fmt.Printf("==============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("Config file: none found\n")
		}

		fmt.Printf("\nEnvironment Variables (%s_* prefix):\n", envPrefix)
		for _, env := range os.Environ() {
			name, value, ok := strings.Cut(env, "=")
			if !ok || !strings.HasPrefix(name, envPrefix+"_") {
				continue
			}
			if isSensitiveFlag(name) {
				value = "***REDACTED***"
			}
			fmt.Printf("  %s=%s\n", name, value)
		}

		storeType := viper.GetString("vault.store_type")
		fmt.Printf("\nCurrent Configuration:\n")
		fmt.Printf("  Store Type: %s\n", storeType)
		fmt.Printf("  Vault Path: %s\n", viper.GetString("vault.path"))
		fmt.Printf("  Profile: %s\n", viper.GetString("vault.profile"))
		fmt.Printf("  Key Store: %s\n", viper.GetString("keystore.type"))
		fmt.Printf("  Passphrase: %s\n", setOrNot(viper.GetString("vault.passphrase")))

		fmt.Printf("\nAudit Export:\n")
		fmt.Printf("  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Printf("  Type: %s\n", viper.GetString("audit.type"))
		fmt.Printf("  File Path: %s\n", viper.GetString("audit.options.file_path"))

		fmt.Printf("\nRotation:\n")
		fmt.Printf("  Auto Rotate: %v\n", viper.GetBool("rotation.auto_rotate"))
		fmt.Printf("  Interval Days: %d\n", viper.GetInt("rotation.interval_days"))

		if persist.StoreType(strings.ToLower(storeType)) == persist.StoreTypeS3 {
			fmt.Printf("\nS3 Configuration:\n")
			fmt.Printf("  Endpoint: %s\n", viper.GetString("vault.s3.endpoint"))
			fmt.Printf("  Region: %s\n", viper.GetString("vault.s3.region"))
			fmt.Printf("  Bucket: %s\n", viper.GetString("vault.s3.bucket"))
			fmt.Printf("  Prefix: %s\n", viper.GetString("vault.s3.prefix"))
			fmt.Printf("  Use SSL: %v\n", viper.GetBool("vault.s3.use_ssl"))
			fmt.Printf("  Access Key: %s\n", setOrNot(viper.GetString("vault.s3.access_key_id")))
			fmt.Printf("  Secret Key: %s\n", setOrNot(viper.GetString("vault.s3.secret_access_key")))
		}

		fmt.Printf("\nStore Configuration Summary:\n")
		fmt.Printf("  %s\n", getStoreConfigSummary(storeType))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vault version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(safesphere.Version)
	},
}

func init() {
	rootCmd.AddCommand(debugConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func setOrNot(v string) string {
	if v != "" {
		return "***SET***"
	}
	return "***NOT SET***"
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	seen := make(map[string]bool)
	for e := err; e != nil; e = errors.Unwrap(e) {
		if msg := e.Error(); !seen[msg] {
			seen[msg] = true
			messages = append(messages, msg)
		}
	}
	if len(messages) > 1 {
		return fmt.Sprintf("Error: %s (caused by: %s)", messages[0], strings.Join(messages[1:], " -> "))
	}

	message := messages[0]
	if first := string(message[0]); first != strings.ToUpper(first) {
		message = strings.ToUpper(first) + message[1:]
	}
	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]string {
	flags := make(map[string]string)
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

// sanitizeArgs masks positional arguments of commands that take secrets
// positionally, such as "users login <name> <password>".
func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if i > 0 && len(args) > 1 && looksSecret(arg) {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

func looksSecret(arg string) bool {
	return len(arg) >= 8 && !strings.ContainsAny(arg, " /") && strings.IndexFunc(arg, func(r rune) bool {
		return strings.ContainsRune("!@#$%^&*0123456789", r)
	}) >= 0
}
