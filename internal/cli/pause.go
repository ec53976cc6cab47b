package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivt/syncq/internal/core/config"
	redisclient "github.com/haivt/syncq/internal/infra/redis"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <collection>",
	Short: "Pause replay for a collection across all instances",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { setPaused(args[0], true) },
}

var resumeCmd = &cobra.Command{
	Use:   "resume <collection>",
	Short: "Resume replay for a paused collection",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { setPaused(args[0], false) },
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

// connectRedis loads config and connects to the coordination Redis, which
// the pause flags and dead-letter list live in.
func connectRedis() *redisclient.Client {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Redis.URL == "" {
		slog.Error("No redis configured; pause flags need the coordination store")
		os.Exit(1)
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setPaused(collection string, paused bool) {
	client := connectRedis()
	defer func() {
		_ = client.Close()
	}()

	if err := client.SetPaused(context.Background(), collection, paused); err != nil {
		slog.Error("Failed to update pause flag", "collection", collection, "error", err)
		os.Exit(1)
	}

	if paused {
		fmt.Printf("Paused replay for %s\n", collection)
	} else {
		fmt.Printf("Resumed replay for %s\n", collection)
	}
}
