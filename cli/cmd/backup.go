package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

const envBackupPassphraseVar = envPrefix + "_BACKUP_PASSPHRASE"

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup and restore vault data",
	Long: `Create passphrase-encrypted backups of the vault's records, audit chain and
rotation state, or restore from one. Backups live in the vault's own store and never
contain the key store, so they restore only into a vault that still holds its keys.`,
}

var createBackupCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup",
	Args:  cobra.NoArgs,
	RunE:  createBackup,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore [backup-id]",
	Short: "Restore from a backup",
	Long:  "Replace the vault's records, audit chain and rotation state with the content of a backup.",
	Args:  cobra.ExactArgs(1),
	RunE:  restoreBackup,
}

var listBackupsCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	Args:  cobra.NoArgs,
	RunE:  listBackups,
}

var deleteBackupCmd = &cobra.Command{
	Use:   "delete [backup-id]",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteBackup,
}

var (
	backupPassphrase string
	backupJSON       bool
	backupYes        bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(createBackupCmd, restoreBackupCmd, listBackupsCmd, deleteBackupCmd)

	createBackupCmd.Flags().StringVar(&backupPassphrase, "backup-passphrase", "", "passphrase for backup encryption (or use "+envBackupPassphraseVar+" env var)")
	restoreBackupCmd.Flags().StringVar(&backupPassphrase, "backup-passphrase", "", "passphrase for backup decryption (or use "+envBackupPassphraseVar+" env var)")
	restoreBackupCmd.Flags().BoolVarP(&backupYes, "yes", "y", false, "do not ask for confirmation")
	listBackupsCmd.Flags().BoolVar(&backupJSON, "json", false, "output in JSON format")
}

func resolveBackupPassphrase() (string, error) {
	if backupPassphrase != "" {
		return backupPassphrase, nil
	}
	if p := os.Getenv(envBackupPassphraseVar); p != "" {
		return p, nil
	}
	return promptPassphrase("Backup passphrase: ")
}

func createBackup(cmd *cobra.Command, args []string) error {
	p, err := resolveBackupPassphrase()
	if err != nil {
		return err
	}
	info, err := vaultSvc.CreateBackup(cmd.Context(), p)
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	fmt.Println("Backup created successfully")
	fmt.Printf("Backup ID: %s\n", info.BackupID)
	fmt.Printf("Documents: %d\n", info.DocumentCount)
	fmt.Printf("Size: %d bytes\n", info.FileSize)
	fmt.Printf("Checksum: %s\n", info.Checksum)
	return nil
}

func restoreBackup(cmd *cobra.Command, args []string) error {
	p, err := resolveBackupPassphrase()
	if err != nil {
		return err
	}
	if !backupYes {
		fmt.Println("WARNING: This will overwrite the current vault records and audit chain.")
		if !promptConfirmation("Continue?") {
			fmt.Println("Restore cancelled")
			return nil
		}
	}
	if err = vaultSvc.RestoreBackup(cmd.Context(), args[0], p); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	fmt.Printf("Backup %s restored successfully\n", args[0])
	return nil
}

func listBackups(cmd *cobra.Command, args []string) error {
	backups, err := vaultSvc.ListBackups(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if backupJSON {
		return printJSON(backups)
	}
	if len(backups) == 0 {
		fmt.Println("No backups found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BACKUP ID\tCREATED\tDOCUMENTS\tSIZE\tVALID\tVERSION")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%s\n",
			b.BackupID, b.BackupTimestamp.Format("2006-01-02 15:04:05"), b.DocumentCount, b.FileSize, b.IsValid, b.BackupVersion)
	}
	return w.Flush()
}

func deleteBackup(cmd *cobra.Command, args []string) error {
	if err := vaultSvc.DeleteBackup(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	fmt.Printf("Backup %s deleted\n", args[0])
	return nil
}
