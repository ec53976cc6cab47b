package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var deadLimit int64

var deadCmd = &cobra.Command{
	Use:   "dead <collection>",
	Short: "List recently dead mutation IDs from the notification list",
	Args:  cobra.ExactArgs(1),
	Run:   runDead,
}

func init() {
	deadCmd.Flags().Int64Var(&deadLimit, "limit", 50, "maximum number of IDs to show")
	rootCmd.AddCommand(deadCmd)
}

func runDead(cmd *cobra.Command, args []string) {
	client := connectRedis()
	defer func() {
		_ = client.Close()
	}()

	ids, err := client.DeadList(context.Background(), args[0], deadLimit)
	if err != nil {
		slog.Error("Failed to read dead list", "collection", args[0], "error", err)
		os.Exit(1)
	}

	if len(ids) == 0 {
		fmt.Printf("No dead mutations recorded for %s\n", args[0])
		return
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}
