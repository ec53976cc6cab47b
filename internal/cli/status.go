package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haivt/syncq/internal/core/config"
	"github.com/haivt/syncq/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and checkpoint state for every collection",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.QueryContext(ctx, `
		SELECT c.collection, c.state, c.applied_count,
		       COUNT(*) FILTER (WHERE m.status = 'pending')    AS pending,
		       COUNT(*) FILTER (WHERE m.status = 'failed')     AS failed,
		       COUNT(*) FILTER (WHERE m.status = 'conflicted') AS conflicted,
		       COUNT(*) FILTER (WHERE m.status = 'dead')       AS dead
		FROM checkpoints c
		LEFT JOIN mutations m ON m.collection = c.collection
		GROUP BY c.collection, c.state, c.applied_count
		ORDER BY c.collection`)
	if err != nil {
		slog.Error("Failed to query checkpoints", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COLLECTION\tSTATE\tAPPLIED\tPENDING\tFAILED\tCONFLICTED\tDEAD")

	for rows.Next() {
		var collection, state string
		var applied, pending, failed, conflicted, dead int64
		if err := rows.Scan(&collection, &state, &applied, &pending, &failed, &conflicted, &dead); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n", collection, state, applied, pending, failed, conflicted, dead)
	}
	_ = w.Flush()
}
