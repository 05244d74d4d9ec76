package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the vault master key",
	Long:  `Show the active master key, rotate it, and configure the rotation schedule.`,
}

var keyActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the active master key",
	Args:  cobra.NoArgs,
	RunE:  runKeyActive,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the master key",
	Long: `Generate a new master key, re-encrypt every record under it and make it active.
An interrupted rotation is resumed the next time the vault is opened.`,
	Args: cobra.NoArgs,
	RunE: runKeyRotate,
}

var keyScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show or change the rotation schedule",
	Args:  cobra.NoArgs,
	RunE:  runKeySchedule,
}

var keyHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent key rotations",
	Args:  cobra.NoArgs,
	RunE:  runKeyHistory,
}

var (
	jsonOutput     bool
	skipReencrypt  bool
	rotateReason   string
	assumeYes      bool
	scheduleAuto   bool
	scheduleDays   int
	scheduleUpdate bool
)

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keyActiveCmd, keyRotateCmd, keyScheduleCmd, keyHistoryCmd)

	keyActiveCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	keyRotateCmd.Flags().BoolVar(&skipReencrypt, "no-reencrypt", false, "only switch the key for new records")
	keyRotateCmd.Flags().StringVar(&rotateReason, "reason", "manual", "reason recorded in the rotation history")
	keyRotateCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	keyScheduleCmd.Flags().BoolVar(&scheduleAuto, "auto", false, "enable automatic rotation reminders")
	keyScheduleCmd.Flags().IntVar(&scheduleDays, "interval", 0, "rotation interval in days")
	keyScheduleCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	keyHistoryCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

func runKeyActive(cmd *cobra.Command, args []string) error {
	rec := vaultSvc.Rotation().Record()
	if jsonOutput {
		return printJSON(map[string]interface{}{
			"keyId":        rec.CurrentKeyID,
			"lastRotation": rec.LastRotation,
			"pending":      rec.InProgress != nil,
		})
	}
	fmt.Printf("Active Key: %s\n", rec.CurrentKeyID)
	fmt.Printf("Last Rotation: %s\n", formatMillis(rec.LastRotation))
	if rec.InProgress != nil {
		fmt.Printf("Pending Rotation: %s -> %s (%d records migrated)\n",
			rec.InProgress.OldKeyID, rec.InProgress.NewKeyID, len(rec.InProgress.MigratedIDs))
	}
	return nil
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	if !assumeYes {
		msg := "This will generate a new master key and re-encrypt all records. Continue?"
		if skipReencrypt {
			msg = "This will generate a new master key for new records. Continue?"
		}
		if !promptConfirmation(msg) {
			fmt.Println("Key rotation cancelled.")
			return nil
		}
	}

	fmt.Println("Starting key rotation...")
	res := vaultSvc.RotateKey(cmd.Context(), !skipReencrypt, rotateReason)
	if !res.Success {
		return fmt.Errorf("key rotation failed after %d records: %s", res.ItemsReEncrypted, res.Message)
	}
	fmt.Println("Key rotation completed successfully!")
	fmt.Printf("Old key ID: %s\n", res.OldKeyID)
	fmt.Printf("New key ID: %s\n", res.NewKeyID)
	fmt.Printf("Records re-encrypted: %d\n", res.ItemsReEncrypted)
	return nil
}

func runKeySchedule(cmd *cobra.Command, args []string) error {
	m := vaultSvc.Rotation()
	if cmd.Flags().Changed("auto") || cmd.Flags().Changed("interval") {
		rec := m.Record()
		auto, days := rec.AutoRotate, rec.IntervalDays
		if cmd.Flags().Changed("auto") {
			auto = scheduleAuto
		}
		if cmd.Flags().Changed("interval") {
			days = scheduleDays
		}
		if err := m.Configure(cmd.Context(), auto, days); err != nil {
			return fmt.Errorf("failed to update rotation schedule: %w", err)
		}
		scheduleUpdate = true
	}

	rec := m.Record()
	if jsonOutput {
		return printJSON(map[string]interface{}{
			"autoRotate":        rec.AutoRotate,
			"intervalDays":      rec.IntervalDays,
			"lastRotation":      rec.LastRotation,
			"rotationNeeded":    m.IsRotationNeeded(),
			"daysUntilRotation": m.DaysUntilRotation(),
		})
	}
	if scheduleUpdate {
		fmt.Println("Rotation schedule updated.")
	}
	fmt.Printf("Auto Rotate: %v\n", rec.AutoRotate)
	fmt.Printf("Interval: %d days\n", rec.IntervalDays)
	fmt.Printf("Last Rotation: %s\n", formatMillis(rec.LastRotation))
	switch days := m.DaysUntilRotation(); {
	case days < 0:
		fmt.Println("Next Rotation: not scheduled")
	case m.IsRotationNeeded():
		fmt.Println("Next Rotation: overdue")
	default:
		fmt.Printf("Next Rotation: in %d days\n", days)
	}
	return nil
}

func runKeyHistory(cmd *cobra.Command, args []string) error {
	history := vaultSvc.Rotation().History()
	if jsonOutput {
		return printJSON(history)
	}
	if len(history) == 0 {
		fmt.Println("No key rotations recorded")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tOLD KEY\tNEW KEY\tRE-ENCRYPTED\tREASON")
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", formatMillis(e.Timestamp), e.OldKeyID, e.NewKeyID, e.ItemsReEncrypted, e.Reason)
	}
	return w.Flush()
}
