package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/repository"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// recordKind describes one record repository to the generic command builder
type recordKind[C repository.Category] struct {
	name       string // command name, e.g. "item"
	plural     string
	categories []C
	parse      func(string) (C, error)
	repo       func() *repository.Repository[C]
	use        func(ctx context.Context, id string, fn func([]byte) error) error
	// secret content is prompted for without echo
	secret bool
}

func init() {
	rootCmd.AddCommand(newRecordCommand(recordKind[repository.ItemCategory]{
		name:       "item",
		plural:     "items",
		categories: repository.ItemCategories(),
		parse:      repository.ParseItemCategory,
		repo:       func() *repository.Repository[repository.ItemCategory] { return vaultSvc.Items().Repository },
		use: func(ctx context.Context, id string, fn func([]byte) error) error {
			return vaultSvc.UseItem(ctx, id, fn)
		},
	}))
	rootCmd.AddCommand(newRecordCommand(recordKind[repository.PasswordCategory]{
		name:       "password",
		plural:     "passwords",
		categories: repository.PasswordCategories(),
		parse:      repository.ParsePasswordCategory,
		repo:       func() *repository.Repository[repository.PasswordCategory] { return vaultSvc.Passwords().Repository },
		use: func(ctx context.Context, id string, fn func([]byte) error) error {
			return vaultSvc.UsePassword(ctx, id, fn)
		},
		secret: true,
	}))
}

type draftFlags struct {
	title    string
	subtitle string
	url      string
	category string
	data     string
	file     string
}

func (f *draftFlags) register(cmd *cobra.Command, categoryHelp string) {
	cmd.Flags().StringVar(&f.title, "title", "", "record title")
	cmd.Flags().StringVar(&f.subtitle, "subtitle", "", "record subtitle, e.g. a user name")
	cmd.Flags().StringVar(&f.url, "url", "", "associated URL")
	cmd.Flags().StringVarP(&f.category, "category", "c", "", "category ("+categoryHelp+")")
	cmd.Flags().StringVarP(&f.data, "data", "d", "", "content as string")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "read content from file (use '-' for stdin)")
}

func newRecordCommand[C repository.Category](k recordKind[C]) *cobra.Command {
	names := make([]string, len(k.categories))
	for i, c := range k.categories {
		names[i] = c.String()
	}
	categoryHelp := strings.ToLower(strings.Join(names, ", "))

	root := &cobra.Command{
		Use:     k.name,
		Aliases: []string{k.plural},
		Short:   fmt.Sprintf("Manage %s in the vault", k.plural),
		Long:    fmt.Sprintf("Add, read, update and search encrypted %s. Content is sealed and every record is signed.", k.plural),
	}

	var (
		outputJSON  bool
		showContent bool
	)

	var addFlags draftFlags
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a new " + k.name,
		Long:  "Add a new " + k.name + ". Content can be provided inline, from a file or on stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDraft(k, &addFlags, nil)
			if err != nil {
				return err
			}
			rec, err := k.repo().Add(cmd.Context(), d)
			if err != nil {
				return fmt.Errorf("failed to add %s: %w", k.name, err)
			}
			fmt.Printf("%s '%s' added with id %s\n", strings.ToUpper(k.name[:1])+k.name[1:], rec.Title, rec.ID)
			if k.secret {
				fmt.Printf("Strength: %s\n", formatStrength(rec.Strength))
			}
			return nil
		},
	}
	addFlags.register(add, categoryHelp)
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("category")

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Decrypt and show a " + k.name,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec, err := k.repo().Get(args[0])
			if err != nil {
				return fmt.Errorf("failed to get %s: %w", k.name, err)
			}
			var content string
			if showContent {
				err = k.use(ctx, args[0], func(b []byte) error {
					content = string(b)
					return nil
				})
			} else {
				// a metadata read still counts as an access
				_, err = k.repo().GetDecrypted(ctx, args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to decrypt %s: %w", k.name, err)
			}
			if outputJSON {
				out := map[string]interface{}{"record": rec}
				if showContent {
					out["content"] = content
				}
				return printJSON(out)
			}
			printRecord(rec)
			if showContent {
				fmt.Println("\n--- Content ---")
				fmt.Print(content)
				if !strings.HasSuffix(content, "\n") {
					fmt.Println()
				}
			}
			return nil
		},
	}
	get.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	get.Flags().BoolVar(&showContent, "show-content", !k.secret, "show decrypted content")

	var updateFlags draftFlags
	update := &cobra.Command{
		Use:   "update [id]",
		Short: "Update an existing " + k.name,
		Long:  "Update an existing " + k.name + ". Fields that are not given keep their current value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			current, err := k.repo().GetDecrypted(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get %s: %w", k.name, err)
			}
			d, err := buildDraft(k, &updateFlags, &current)
			if err != nil {
				return err
			}
			rec, err := k.repo().Update(ctx, args[0], d)
			if err != nil {
				return fmt.Errorf("failed to update %s: %w", k.name, err)
			}
			fmt.Printf("%s '%s' updated\n", strings.ToUpper(k.name[:1])+k.name[1:], rec.ID)
			return nil
		},
	}
	updateFlags.register(update, categoryHelp)

	del := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a " + k.name,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := k.repo().Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete %s: %w", k.name, err)
			}
			fmt.Printf("%s '%s' deleted\n", strings.ToUpper(k.name[:1])+k.name[1:], args[0])
			return nil
		},
	}

	favorite := &cobra.Command{
		Use:   "favorite [id] [true|false]",
		Short: "Mark or unmark a " + k.name + " as favorite",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			on := true
			if len(args) == 2 {
				v, ok := convertValue(args[1]).(bool)
				if !ok {
					return fmt.Errorf("invalid favorite value %q", args[1])
				}
				on = v
			}
			rec, err := k.repo().SetFavorite(cmd.Context(), args[0], on)
			if err != nil {
				return fmt.Errorf("failed to update %s: %w", k.name, err)
			}
			fmt.Printf("%s '%s' favorite: %v\n", strings.ToUpper(k.name[:1])+k.name[1:], rec.ID, rec.Favorite)
			return nil
		},
	}

	var (
		search    string
		category  string
		favorites bool
		limit     int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List " + k.plural,
		Long:  "List " + k.plural + " without decrypting them, optionally filtered by search text, category or favorites.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := k.repo()
			var recs []repository.Record[C]
			switch {
			case category != "":
				c, err := k.parse(category)
				if err != nil {
					return err
				}
				recs = r.FilterByCategory(c)
			case favorites:
				recs = r.ListFavorites()
			default:
				recs = r.Search(search)
			}
			if search != "" && category != "" {
				recs = intersect(recs, r.Search(search))
			}
			if limit > 0 && len(recs) > limit {
				recs = recs[:limit]
			}

			if outputJSON {
				return printJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Printf("No %s found\n", k.plural)
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tCATEGORY\tFAVORITE\tSTRENGTH\tKEY\tMODIFIED")
			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\t%s\t%s\n",
					rec.ID, rec.Title, rec.Category, rec.Favorite, rec.Strength, rec.KeyID,
					formatMillis(rec.ModifiedAt))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVarP(&search, "search", "s", "", "match title, subtitle or URL")
	list.Flags().StringVarP(&category, "category", "c", "", "filter by category ("+categoryHelp+")")
	list.Flags().BoolVar(&favorites, "favorites", false, "only favorites")
	list.Flags().IntVar(&limit, "limit", 0, "limit number of results")
	list.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show " + k.name + " statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := k.repo().Stats()
			if outputJSON {
				return printJSON(s)
			}
			fmt.Printf("Total: %d\n", s.Total)
			fmt.Printf("Favorites: %d\n", s.Favorites)
			fmt.Printf("Weak: %d\n", s.Weak)
			fmt.Printf("Stale: %d\n", s.Stale)
			fmt.Printf("Security Score: %d/100\n", s.SecurityScore)
			printCounts("By Category", s.ByCategory)
			return nil
		},
	}
	stats.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	root.AddCommand(add, get, update, del, favorite, list, stats)
	return root
}

// buildDraft assembles a draft from flags. For updates, current supplies the
// values of flags that were not given.
func buildDraft[C repository.Category](k recordKind[C], f *draftFlags, current *repository.Decrypted[C]) (repository.Draft[C], error) {
	var d repository.Draft[C]
	if current != nil {
		d = repository.Draft[C]{
			Title:    current.Title,
			Subtitle: current.Subtitle,
			URL:      current.URL,
			Content:  current.Content,
			Category: current.Category,
		}
	}
	if f.title != "" {
		d.Title = f.title
	}
	if f.subtitle != "" {
		d.Subtitle = f.subtitle
	}
	if f.url != "" {
		d.URL = f.url
	}
	if f.category != "" {
		c, err := k.parse(f.category)
		if err != nil {
			return d, err
		}
		d.Category = c
	}
	if current == nil || f.data != "" || f.file != "" {
		content, err := readContent(f, k.secret)
		if err != nil {
			return d, fmt.Errorf("failed to read %s content: %w", k.name, err)
		}
		d.Content = content
	}
	return d, nil
}

func readContent(f *draftFlags, secret bool) (string, error) {
	if f.data != "" {
		return f.data, nil
	}
	if f.file != "" && f.file != "-" {
		b, err := os.ReadFile(f.file)
		return string(b), err
	}
	if secret && term.IsTerminal(int(os.Stdin.Fd())) {
		return promptPassphrase("Password: ")
	}
	b, err := io.ReadAll(os.Stdin)
	return strings.TrimSuffix(string(b), "\n"), err
}

func intersect[C repository.Category](a, b []repository.Record[C]) []repository.Record[C] {
	keep := make(map[string]bool, len(b))
	for _, r := range b {
		keep[r.ID] = true
	}
	out := a[:0:0]
	for _, r := range a {
		if keep[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

func printRecord[C repository.Category](rec repository.Record[C]) {
	fmt.Printf("ID: %s\n", rec.ID)
	fmt.Printf("Title: %s\n", rec.Title)
	if rec.Subtitle != "" {
		fmt.Printf("Subtitle: %s\n", rec.Subtitle)
	}
	if rec.URL != "" {
		fmt.Printf("URL: %s\n", rec.URL)
	}
	fmt.Printf("Category: %s\n", rec.Category)
	fmt.Printf("Favorite: %v\n", rec.Favorite)
	fmt.Printf("Strength: %s\n", formatStrength(rec.Strength))
	fmt.Printf("Key ID: %s\n", rec.KeyID)
	fmt.Printf("Created: %s\n", formatMillis(rec.CreatedAt))
	fmt.Printf("Modified: %s\n", formatMillis(rec.ModifiedAt))
	fmt.Printf("Last Used: %s\n", formatMillis(rec.LastUsedAt))
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func formatStrength(strength int) string {
	return fmt.Sprintf("%d/%d", strength, repository.MaxStrength)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
