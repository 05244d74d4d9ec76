package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/misc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage command line configuration",
	Long: `View, change and validate the configuration file read from $HOME/.safesphere.yaml.
Environment variables use the SAFESPHERE_ prefix with dots replaced by underscores.`,
}

var (
	configForce    bool
	configGlobal   bool
	configTemplate string
	configFormat   string
)

func init() {
	rootCmd.AddCommand(configCmd)

	view := &cobra.Command{
		Use:   "view",
		Short: "View the merged configuration",
		Long:  "Display the configuration merged from the config file, environment variables and flags. Secrets are redacted.",
		Args:  cobra.NoArgs,
		RunE:  runConfigView,
	}
	view.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")

	set := &cobra.Command{
		Use:     "set <key> <value>",
		Short:   "Set a configuration value",
		Example: "  safesphere config set vault.store_type redis\n  safesphere config set rotation.interval_days 30",
		Args:    cobra.ExactArgs(2),
		RunE:    runConfigSet,
	}
	set.Flags().BoolVar(&configForce, "force", false, "accept keys outside the known set")

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigGet,
	}

	unset := &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a configuration value from the config file",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigUnset,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a new configuration file from a template",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}
	initCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	initCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal, full)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration can open a vault",
		Args:  cobra.NoArgs,
		RunE:  runConfigValidate,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known configuration keys",
		Args:  cobra.NoArgs,
		RunE:  runConfigList,
	}
	list.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, yaml, json)")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Overwrite the config file with defaults",
		Args:  cobra.NoArgs,
		RunE:  runConfigReset,
	}
	reset.Flags().BoolVar(&configForce, "force", false, "do not ask for confirmation")

	edit := &cobra.Command{
		Use:   "edit",
		Short: "Open the config file in $EDITOR",
		Args:  cobra.NoArgs,
		RunE:  runConfigEdit,
	}

	configCmd.AddCommand(view, set, get, unset, initCmd, validate, list, reset, edit)
	configCmd.PersistentFlags().BoolVar(&configGlobal, "global", false, "use the system wide config file")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	if configFormat == "table" {
		return printConfigTable()
	}
	return printRedactedConfig(configFormat)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	value := convertValue(raw)
	if err := validateConfigValue(key, value); err != nil {
		return err
	}
	sensitive := isSensitiveConfigKey(key)
	if sensitive {
		fmt.Fprintln(os.Stderr, "Warning: the value is stored in plain text in the config file")
	}

	viper.Set(key, value)
	path, err := saveViperConfig()
	if err != nil {
		return err
	}

	if sensitive {
		value = "[REDACTED]"
	}
	fmt.Printf("Set %s = %v in %s\n", key, value, path)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	source := viper.ConfigFileUsed()
	if source == "" {
		source = "defaults/environment/flags"
	}
	fmt.Printf("%s = %v (from %s)\n", key, value, source)
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]
	settings := viper.AllSettings()
	if err := unsetNestedKey(settings, key); err != nil {
		return fmt.Errorf("failed to unset key %s: %w", key, err)
	}

	// viper cannot delete keys, so the remaining settings are reloaded into a fresh instance
	viper.Reset()
	initConfig()
	if err := viper.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	if _, err := saveViperConfig(); err != nil {
		return err
	}
	fmt.Printf("Removed configuration key: %s\n", key)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := getConfigFilePath(configGlobal)
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}
	if err := writeConfigFile(path, getConfigTemplate(configTemplate)); err != nil {
		return err
	}
	fmt.Printf("Configuration file created from the %q template: %s\n", configTemplate, path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	problems := validateConfiguration()
	if len(problems) == 0 {
		fmt.Println("✓ Configuration is valid")
		return nil
	}

	fmt.Println("✗ Configuration validation failed:")
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}

func runConfigList(cmd *cobra.Command, args []string) error {
	if configFormat == "table" {
		return printConfigKeysTable(configKeys)
	}
	return printEncoded(configFormat, configKeys)
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	if !configForce && !promptConfirmation("This will reset your configuration to defaults. Continue?") {
		fmt.Println("Reset cancelled")
		return nil
	}
	path := getConfigFilePath(configGlobal)
	if err := writeConfigFile(path, getConfigTemplate("default")); err != nil {
		return err
	}
	fmt.Printf("Configuration reset to defaults: %s\n", path)
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	path := getConfigFilePath(configGlobal)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err = writeConfigFile(path, getConfigTemplate("default")); err != nil {
			return err
		}
	}

	editor := getDefaultEditor()
	fmt.Printf("Opening %s with %s...\n", path, editor)
	if err := executeEditor(editor, path); err != nil {
		return err
	}
	if problems := validateConfiguration(); len(problems) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: configuration has %d problems, run 'safesphere config validate'\n", len(problems))
	}
	return nil
}

// saveViperConfig writes viper's current settings to the selected config file.
func saveViperConfig() (string, error) {
	path := getConfigFilePath(configGlobal)
	if err := ensureConfigDir(path); err != nil {
		return "", fmt.Errorf("failed to ensure config directory: %w", err)
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

func writeConfigFile(path string, settings map[string]interface{}) error {
	if err := ensureConfigDir(path); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(path, data, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
