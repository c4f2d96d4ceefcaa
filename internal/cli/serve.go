package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HummdG/tazaticket/internal/chat"
	"github.com/HummdG/tazaticket/internal/config"
	"github.com/HummdG/tazaticket/internal/flight"
	"github.com/HummdG/tazaticket/internal/memory"
	"github.com/HummdG/tazaticket/internal/provider"
	"github.com/HummdG/tazaticket/internal/provider/openai"
	"github.com/HummdG/tazaticket/internal/server"
	"github.com/HummdG/tazaticket/internal/store"
	"github.com/HummdG/tazaticket/internal/telemetry"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long:  `Start the HTTP server that receives Twilio WhatsApp webhooks and answers flight-search conversations.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind to (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger := telemetry.NewLogger(level, cfg.Logging.Format)
	if cfg.Logging.File != "" {
		if err := logger.WithFile(cfg.Logging.File); err != nil {
			return err
		}
	}
	defer logger.Close()

	st, err := store.New(cfg.Store.Driver, cfg.Store.Path, cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	mem := memory.NewManager(memory.Config{
		SessionIdle:         time.Duration(cfg.Memory.SessionIdleSeconds) * time.Second,
		ContextPairs:        cfg.Memory.ContextPairs,
		BatchPairs:          cfg.Memory.BatchPairs,
		MaxRAMPairs:         cfg.Memory.MaxRAMPairs,
		FlushMaxRetries:     cfg.Memory.FlushMaxRetries,
		FlushInitialBackoff: 500 * time.Millisecond,
		FlushMaxBackoff:     8 * time.Second,
		FlushJitterFraction: 0.2,
	}, st, logger)

	llm := provider.NewRetryProvider(
		openai.NewClient(cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.BaseURL),
		provider.DefaultRetryConfig(),
	)
	searcher := flight.NewClient(cfg.Flight)
	engine := chat.NewEngine(mem, llm, searcher, cfg.Provider.Model, logger)

	srv := server.NewServer(cfg.Server, engine, mem, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return srv.Start(ctx)
}
