package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display information about the vault including memory protection, the active key and the rotation schedule.",
	Args:  cobra.NoArgs,
	RunE:  showStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
}

func showStatus(cmd *cobra.Command, args []string) error {
	s := vaultSvc.Status()
	if statusJSON {
		return printJSON(s)
	}

	fmt.Println("Vault Status")
	fmt.Println("============")
	fmt.Printf("Profile: %s\n", s.Profile)
	fmt.Printf("Store: %s\n", s.StoreType)
	fmt.Printf("Vault Path: %s\n", vaultPath)
	fmt.Printf("Memory Protection: %s\n", s.MemoryProtection)
	fmt.Printf("Active Key: %s\n", s.CurrentKeyID)
	switch {
	case s.DaysUntilRotation < 0:
		fmt.Println("Key Rotation: not scheduled")
	case s.RotationNeeded:
		fmt.Println("Key Rotation: OVERDUE")
	default:
		fmt.Printf("Key Rotation: due in %d days\n", s.DaysUntilRotation)
	}

	fmt.Printf("\nItems: %d\n", s.Items)
	fmt.Printf("Passwords: %d (weak: %d, stale: %d, score: %d/100)\n",
		s.Passwords, s.PasswordStats.Weak, s.PasswordStats.Stale, s.PasswordStats.SecurityScore)
	fmt.Printf("Users: %d\n", s.Users)

	if s.Audit.Degraded {
		fmt.Printf("\nAudit: DEGRADED (%d entries missed since %s)\n", s.Audit.Missed, s.Audit.Since.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("\nAudit: healthy")
	}
	return nil
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("\n%s:\n", title)
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, counts[k])
	}
}
