package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/kfocus/internal/config"
	"github.com/goodtune/kfocus/internal/keepalive"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	agentServer    string
	agentPageURL   string
	agentContext   string
	agentContainer string
	agentTick      time.Duration
	agentVerbose   bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a counting agent as if a page were visible",
	Long: `Run a counting agent for one page. The agent reports visible time over the
keepalive channel until interrupted, which counts as unloading the page.
SIGUSR1 toggles page visibility.`,
	Example: `  kfocus agent --server ws://127.0.0.1:8490/keepalive --url https://chatgpt.com/`,
	Args:    cobra.NoArgs,
	RunE:    runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentServer, "server", "ws://127.0.0.1:8490/keepalive", "Keepalive endpoint")
	agentCmd.Flags().StringVar(&agentPageURL, "url", "", "Page URL being counted (required)")
	agentCmd.Flags().StringVar(&agentContext, "context", "", "Context id (generated when empty)")
	agentCmd.Flags().StringVar(&agentContainer, "container", "", "Container id the context belongs to")
	agentCmd.Flags().DurationVar(&agentTick, "tick", keepalive.DefaultTickInterval, "Tick interval")
	agentCmd.Flags().BoolVarP(&agentVerbose, "verbose", "v", false, "Log connection state changes")
	_ = agentCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if agentVerbose {
		level = zerolog.DebugLevel
	}
	logger := setupLogger(config.LoggingConfig{Level: level.String(), Format: "text"})

	// The keepalive section of a local config file, when readable, tunes
	// ticks and backoff; flags given explicitly win.
	backoff := keepalive.BackoffPolicy{
		Initial: keepalive.DefaultBackoffInitial,
		Max:     keepalive.DefaultBackoffMax,
	}
	if cfg, err := config.Load(configPath); err == nil {
		if !cmd.Flags().Changed("tick") {
			agentTick = config.ParseDuration(cfg.Keepalive.TickInterval, agentTick)
		}
		backoff.Initial = config.ParseDuration(cfg.Keepalive.BackoffInitial, backoff.Initial)
		backoff.Max = config.ParseDuration(cfg.Keepalive.BackoffMax, backoff.Max)
	}

	agent, err := keepalive.NewAgent(keepalive.AgentConfig{
		ServerURL:    agentServer,
		PageURL:      agentPageURL,
		Context:      agentContext,
		Container:    agentContainer,
		TickInterval: agentTick,
		Backoff:      backoff,
	}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	toggle := make(chan os.Signal, 1)
	signal.Notify(toggle, syscall.SIGUSR1)
	defer signal.Stop(toggle)

	go func() {
		visible := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-toggle:
				visible = !visible
				agent.SetVisible(visible)
				logger.Info().Bool("visible", visible).Msg("Page visibility changed")
			}
		}
	}()

	logger.Info().
		Str("context", agent.Context()).
		Str("server", agentServer).
		Str("url", agentPageURL).
		Msg("Counting agent started")

	err = agent.Run(ctx)
	if errors.Is(err, keepalive.ErrHostInvalidated) {
		return fmt.Errorf("server invalidated this host; restart the agent to count again")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info().Msg("Page unloaded")
	return nil
}
