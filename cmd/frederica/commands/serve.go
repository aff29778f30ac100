package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fredericabot/frederica/pkg/frederica/dispatch"
	"github.com/fredericabot/frederica/pkg/frederica/llm"
	"github.com/fredericabot/frederica/pkg/frederica/logging"
	"github.com/fredericabot/frederica/pkg/frederica/pipeline"
	"github.com/fredericabot/frederica/pkg/frederica/session"
	"github.com/fredericabot/frederica/pkg/frederica/store"
	"github.com/fredericabot/frederica/pkg/frederica/tools"
	"github.com/fredericabot/frederica/pkg/frederica/wecom"
	"golang.org/x/time/rate"
)

// newServeCmd creates the `frederica serve` command that starts the gateway.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start the WeCom callback server and the message dispatcher.

Examples:
  frederica serve
  frederica serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closeLog := logging.New(cfg.Logging)
	defer closeLog()
	logger.Info("config loaded", "path", configPath)

	// ── Persistence ──
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	if err := st.StartRetention(cfg.Store.RetentionSchedule, cfg.Store.RetentionAge()); err != nil {
		return fmt.Errorf("starting retention sweep: %w", err)
	}

	// ── Session registry ──
	registry := session.NewRegistry(session.Config{
		MaxSessions:         cfg.Session.MaxSessions,
		BatchTimeout:        cfg.Session.BatchTimeout(),
		ConversationTimeout: cfg.Session.ConversationTimeout(),
	}, st, logger)

	// ── LLM backend ──
	var toolReg *tools.Registry
	if cfg.Tools.Enabled {
		toolReg = tools.NewRegistry(cfg.Tools.WorkDir, logger)
	}
	model := llm.New(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		RequestTimeout: cfg.LLM.RequestTimeout(),
		MaxRetries:     cfg.LLM.MaxRetries,
		MaxToolRounds:  cfg.LLM.MaxToolRounds,
		Persona:        cfg.LLM.Persona,
	}, toolReg, logger)

	// ── WeCom transport ──
	wecomClient := wecom.NewClient(wecom.ClientConfig{
		CorpID:     cfg.WeCom.CorpID,
		CorpSecret: cfg.WeCom.CorpSecret,
		AgentID:    cfg.WeCom.AgentID,
		BaseURL:    cfg.WeCom.APIBaseURL,
		RateLimit:  rate.Limit(cfg.WeCom.RateLimit),
		RateBurst:  cfg.WeCom.RateBurst,
	}, logger)
	crypto, err := wecom.NewCrypto(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey, cfg.WeCom.CorpID)
	if err != nil {
		return fmt.Errorf("initializing callback crypto: %w", err)
	}
	server := wecom.NewServer(cfg.WeCom.ListenAddress, crypto, registry, logger)

	// Verify credentials early so a bad corp secret shows up at startup,
	// not on the first user message.
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 15*time.Second)
	if err := wecomClient.Ping(pingCtx); err != nil {
		logger.Warn("WeCom API credential check failed", "error", err)
	}
	cancelPing()

	// ── Pipeline and dispatcher ──
	pipe := pipeline.New(model, wecomClient, st, pipeline.Config{
		SegmentDelay: cfg.Pipeline.SegmentDelay(),
		HistoryLimit: cfg.Pipeline.HistoryLimit,
		RecallLimit:  cfg.Pipeline.RecallLimit,
	}, logger)
	dispatcher := dispatch.New(registry, pipe, cfg.Session.PollInterval(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcherDone := dispatch.Supervise(ctx, "dispatcher", dispatch.DefaultErrorBackoff, logger, dispatcher.Run)

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting callback server: %w", err)
	}

	logger.Info("frederica running, press Ctrl+C to stop",
		"callback_address", cfg.WeCom.ListenAddress,
		"model", cfg.LLM.Model,
		"batch_timeout", cfg.Session.BatchTimeout(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Stop(shutdownCtx)
		cancelShutdown()

		cancel()
		<-dispatcherDone

		registry.ArchiveAll()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}
