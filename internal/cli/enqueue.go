package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haivt/syncq/internal/core/config"
	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/core/flow"
	"github.com/haivt/syncq/internal/infra/storage/postgres"
)

var (
	enqueueOp       string
	enqueuePayload  string
	enqueueRevision string
	enqueueFlow     string
	enqueueValues   map[string]string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <collection> <doc-id>",
	Short: "Queue a mutation for replay against the remote store",
	Args:  cobra.ExactArgs(2),
	Run:   runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueOp, "op", "put", "operation: put, merge, or delete")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON document payload")
	enqueueCmd.Flags().StringVar(&enqueueRevision, "base-revision", "", "remote revision the payload is based on (empty for create)")
	enqueueCmd.Flags().StringVar(&enqueueFlow, "flow", "", "build the payload by running a flow definition")
	enqueueCmd.Flags().StringToStringVar(&enqueueValues, "values", nil, "field values for the flow (key=value)")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	collection, docID := args[0], args[1]

	op := domain.Op(enqueueOp)
	switch op {
	case domain.OpPut, domain.OpMerge, domain.OpDelete:
	default:
		slog.Error("Unknown operation", "op", enqueueOp)
		os.Exit(1)
	}

	payload := json.RawMessage(enqueuePayload)
	if enqueueFlow != "" {
		payload, err = runFlow(cfg.FlowDir, enqueueFlow, collection)
		if err != nil {
			slog.Error("Flow failed", "flow", enqueueFlow, "error", err)
			os.Exit(1)
		}
	} else if op == domain.OpDelete {
		payload = nil
	} else if !json.Valid(payload) {
		slog.Error("Payload is not valid JSON")
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

	m := domain.NewMutation(collection, docID, op, payload, enqueueRevision)
	if err := postgres.NewMutationRepo(db).Enqueue(ctx, m); err != nil {
		slog.Error("Failed to enqueue mutation", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Enqueued %s %s/%s as %s\n", op, collection, docID, m.ID)
}

// runFlow walks the named flow definition with the --values map, validating
// every step, and returns the accumulated payload.
func runFlow(dir, name, collection string) (json.RawMessage, error) {
	def, err := findFlow(dir, name)
	if err != nil {
		return nil, err
	}
	if def.Collection != "" && def.Collection != collection {
		return nil, fmt.Errorf("flow %s targets collection %s, not %s", name, def.Collection, collection)
	}

	sess := flow.NewSession(def)
	for !sess.Done() {
		if err := sess.Submit(enqueueValues); err != nil {
			return nil, err
		}
	}
	return sess.Payload()
}

func findFlow(dir, name string) (*flow.Definition, error) {
	if dir == "" {
		return nil, fmt.Errorf("no flow_dir configured")
	}
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		paths, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			def, err := flow.LoadFile(path)
			if err != nil {
				return nil, fmt.Errorf("load flow %s: %w", path, err)
			}
			if def.Name == name {
				return def, nil
			}
		}
	}
	return nil, fmt.Errorf("flow %s not found in %s", name, dir)
}
