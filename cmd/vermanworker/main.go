// Command vermanworker is the worker agent: it connects to a master's
// control port, runs Single/Post tasks as they're assigned, and streams
// logs and artifacts back.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Totoro-Yes/VerManager/internal/config"
	"github.com/Totoro-Yes/VerManager/internal/version"
	"github.com/Totoro-Yes/VerManager/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "vermanworker",
		Short:   "VerManager worker agent",
		Version: version.Version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the master and process assigned tasks",
		RunE:  runWorker,
	}
	cmd.Flags().String("config", ".", "Directory containing vermanworker.yaml/.toml/.json")
	cmd.Flags().String("name", "", "Override WORKER_NAME")
	cmd.Flags().String("role", "", "Override ROLE (NORMAL or MERGER)")
	cmd.Flags().String("master", "", "Override MASTER_ADDRESS.host")
	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	dir, _ := cmd.Flags().GetString("config")
	if envDir := os.Getenv("VERMANWORKER_CONFIG_DIR"); envDir != "" {
		dir = envDir
	}
	cfg, filename, err := config.LoadWorker(dir)
	if err != nil {
		return fmt.Errorf("load config from %s: %w", dir, err)
	}
	log.Info("loaded config", "file", filename)

	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.WorkerName = name
	}
	if role, _ := cmd.Flags().GetString("role"); role != "" {
		cfg.Role = role
	}
	if host, _ := cmd.Flags().GetString("master"); host != "" {
		cfg.MasterAddress.Host = host
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(cfg, log)
	for {
		if err := w.Run(ctx); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Error("connection to master lost, reconnecting", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}
		return nil
	}
}
