package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/repository"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:     "user",
	Aliases: []string{"users"},
	Short:   "Manage local vault accounts",
	Long:    "Register, authenticate and remove local accounts. Only an Argon2id verifier of each password is stored.",
}

var registerUserCmd = &cobra.Command{
	Use:   "register [username]",
	Short: "Register a new account",
	Args:  cobra.ExactArgs(1),
	RunE:  registerUser,
}

var loginUserCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Check an account password",
	Args:  cobra.ExactArgs(1),
	RunE:  loginUser,
}

var listUsersCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE:  listUsers,
}

var deleteUserCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteUser,
}

var (
	userEmail    string
	userRole     string
	userPassword string
	usersJSON    bool
)

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(registerUserCmd, loginUserCmd, listUsersCmd, deleteUserCmd)

	roles := make([]string, 0, len(repository.Roles()))
	for _, r := range repository.Roles() {
		roles = append(roles, strings.ToLower(r.String()))
	}
	registerUserCmd.Flags().StringVarP(&userEmail, "email", "e", "", "account email")
	registerUserCmd.Flags().StringVarP(&userRole, "role", "r", "member", "account role ("+strings.Join(roles, ", ")+")")
	registerUserCmd.Flags().StringVar(&userPassword, "password", "", "account password (prompted when omitted)")
	loginUserCmd.Flags().StringVar(&userPassword, "password", "", "account password (prompted when omitted)")
	listUsersCmd.Flags().BoolVar(&usersJSON, "json", false, "output in JSON format")
}

func accountPassword() (string, error) {
	if userPassword != "" {
		return userPassword, nil
	}
	return promptPassphrase("Password: ")
}

func registerUser(cmd *cobra.Command, args []string) error {
	role, err := repository.ParseRole(userRole)
	if err != nil {
		return err
	}
	password, err := accountPassword()
	if err != nil {
		return err
	}
	rec, err := vaultSvc.Users().Register(cmd.Context(), args[0], userEmail, password, role)
	if err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	fmt.Printf("User '%s' registered with id %s (role %s)\n", rec.Title, rec.ID, rec.Category)
	return nil
}

func loginUser(cmd *cobra.Command, args []string) error {
	password, err := accountPassword()
	if err != nil {
		return err
	}
	rec, err := vaultSvc.Users().Authenticate(cmd.Context(), args[0], password)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	fmt.Printf("Authenticated '%s' (role %s)\n", rec.Title, rec.Category)
	return nil
}

func listUsers(cmd *cobra.Command, args []string) error {
	users := vaultSvc.Users().All()
	if usersJSON {
		return printJSON(users)
	}
	if len(users) == 0 {
		fmt.Println("No users found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE\tCREATED\tLAST LOGIN")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			u.ID, u.Title, u.Subtitle, u.Category, formatMillis(u.CreatedAt), formatMillis(u.LastUsedAt))
	}
	return w.Flush()
}

func deleteUser(cmd *cobra.Command, args []string) error {
	if err := vaultSvc.Users().Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	fmt.Printf("User '%s' deleted\n", args[0])
	return nil
}
