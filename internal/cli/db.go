package cli

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/featurefactory/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Postgres event mirror",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to reset without --yes")
		}
		d, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "database reset")
		return nil
	},
}

var dbEventsCmd = &cobra.Command{
	Use:   "events <pipeline-id>",
	Short: "Show a pipeline's mirrored events and per-type counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		d, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		row, err := d.Pipeline(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("pipeline %s is not in the mirror", args[0])
		}
		counts, err := d.EventCounts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		evs, err := d.Events(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, map[string]any{"pipeline": row, "counts": counts, "events": evs})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s  %s  %s\n", row.ID, row.Status, shorten(row.Prompt, 60))
		types := make([]string, 0, len(counts))
		for t := range counts {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(out, "  %-22s %d\n", t, counts[t])
		}
		fmt.Fprintln(out)
		for _, e := range evs {
			fmt.Fprintln(out, formatEvent(e.Event()))
		}
		return nil
	},
}

func openDB(cmd *cobra.Command) (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	url := cfg.Database.URL.Value()
	if url == "" {
		return nil, errors.New("database.url is not configured (set FACTORY_DATABASE_URL)")
	}
	return db.Open(cmd.Context(), url)
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbEventsCmd.Flags().Int("limit", 100, "most recent events to show")
	dbEventsCmd.Flags().String("format", "text", "Output format: text or json")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbEventsCmd)
}
