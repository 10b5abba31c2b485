package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/database"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/notify"
)

// newLeadsCmd creates `leadclaw leads`, a read-only view of the ledger.
func newLeadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "List the most recent qualified leads",
		Long: `List leads recorded in the database, newest first.

Examples:
  leadclaw leads
  leadclaw leads --limit 100 --json`,
		Args: cobra.NoArgs,
		RunE: runLeads,
	}
	cmd.Flags().IntP("limit", "n", 20, "how many leads to show")
	cmd.Flags().Bool("json", false, "print JSON instead of a table")
	return cmd
}

func runLeads(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled {
		return errors.New("the lead database is disabled (database.enabled: false)")
	}

	db, err := database.Open(cfg.Database.Config)
	if err != nil {
		return err
	}
	defer db.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	leads, err := notify.NewLedger(db.DB).Recent(context.Background(), limit)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if leads == nil {
			leads = []notify.Record{}
		}
		return enc.Encode(leads)
	}

	if len(leads) == 0 {
		fmt.Println("No leads yet.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tNAME\tEMAIL\tPHONE\tCATEGORY\tSCHEDULE")
	for _, l := range leads {
		category := l.CategoryLabel
		if category == "" {
			category = l.Category
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.CreatedAt.Local().Format("2006-01-02 15:04"), l.Name, l.Email, l.Phone, category, l.ScheduleText)
	}
	return w.Flush()
}
