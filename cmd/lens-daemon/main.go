// lens-daemon is the desktop side: it keeps the server link alive and runs
// terminal agents in PTYs on the user's machine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/neboloop/lens/internal/ai"
	"github.com/neboloop/lens/internal/config"
	"github.com/neboloop/lens/internal/daemonclient"
	"github.com/neboloop/lens/internal/logging"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "lens-daemon",
		Short: "Lens desktop daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to daemon YAML config")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	_ = godotenv.Load()

	cfg, err := config.LoadDaemon(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observer, err := ai.NewGeminiObserver(ctx, cfg.GeminiAPIKey, "")
	if err != nil {
		return err
	}
	defer observer.Close()

	client := daemonclient.New(cfg, observer)
	logging.Infof("[Daemon] lens-daemon starting (capacity=%d, cli=%s)", cfg.Capacity, cfg.CLICommand)
	return client.Run(ctx)
}
