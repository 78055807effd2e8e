// lens-server is the cloud side of the agent orchestration platform: the
// master-agent HTTP API, the daemon control plane, and Mongo persistence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/lens/internal/ai"
	"github.com/neboloop/lens/internal/auth"
	"github.com/neboloop/lens/internal/config"
	"github.com/neboloop/lens/internal/conversation"
	"github.com/neboloop/lens/internal/logging"
	"github.com/neboloop/lens/internal/masteragent"
	"github.com/neboloop/lens/internal/reaper"
	"github.com/neboloop/lens/internal/registry"
	"github.com/neboloop/lens/internal/server"
	"github.com/neboloop/lens/internal/store"
)

const mongoDatabase = "lens"

func main() {
	root := &cobra.Command{
		Use:   "lens-server",
		Short: "Lens orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	mint := &cobra.Command{
		Use:   "mint-token <userId>",
		Short: "Mint a daemon bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			token, err := auth.NewTokens(cfg.TokenSecret).Mint(args[0], 0)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	root.AddCommand(mint)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootCtx, cancelBoot := context.WithTimeout(ctx, 15*time.Second)
	defer cancelBoot()
	st, err := store.Connect(bootCtx, cfg.MongoURI, mongoDatabase)
	if err != nil {
		return err
	}
	defer st.Disconnect(context.Background())
	if err := st.EnsureIndexes(bootCtx); err != nil {
		return err
	}

	tokens := auth.NewTokens(cfg.TokenSecret)
	reg := registry.New(st, tokens, registry.Options{
		Heartbeat:        cfg.Heartbeat,
		MaxAgentsPerUser: cfg.MaxAgentsPerUser,
	})

	convs := conversation.NewService(st, cfg.ConversationTTL)
	llm := ai.NewAnthropicClient(cfg.AnthropicAPIKey, "", "")
	master := masteragent.New(st, st, reg, convs, llm, llm, masteragent.Options{
		QueryMaxLen:     cfg.QueryMaxLen,
		TaskBudget:      cfg.TaskBudget,
		ConversationTTL: cfg.ConversationTTL,
	})

	gc := reaper.New(st)
	gc.Start()
	defer gc.Stop()

	srv := server.New(master, reg, tokens, cfg.Port)
	logging.Infof("[Server] lens-server starting")
	return srv.Run(ctx)
}
