package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivt/syncq/internal/core/config"
	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/infra/storage/postgres"
)

var requeueStatuses []string

var requeueCmd = &cobra.Command{
	Use:   "requeue <collection>",
	Short: "Return dead or conflicted mutations to the pending queue",
	Args:  cobra.ExactArgs(1),
	Run:   runRequeue,
}

func init() {
	requeueCmd.Flags().StringSliceVar(&requeueStatuses, "status", []string{"dead", "conflicted"}, "statuses to requeue")
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	statuses := make([]domain.MutationStatus, 0, len(requeueStatuses))
	for _, s := range requeueStatuses {
		status := domain.MutationStatus(strings.ToLower(strings.TrimSpace(s)))
		switch status {
		case domain.MutationStatusDead, domain.MutationStatusConflicted, domain.MutationStatusFailed:
			statuses = append(statuses, status)
		default:
			slog.Error("Status cannot be requeued", "status", s)
			os.Exit(1)
		}
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

	repo := postgres.NewMutationRepo(db)
	n, err := repo.Requeue(ctx, args[0], statuses)
	if err != nil {
		slog.Error("Failed to requeue mutations", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Requeued %d mutations in %s\n", n, args[0])
}
