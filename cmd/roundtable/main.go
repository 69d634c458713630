package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/roundtable/internal/api"
	"github.com/tjfontaine/roundtable/internal/config"
	"github.com/tjfontaine/roundtable/internal/engine"
	"github.com/tjfontaine/roundtable/internal/event"
	"github.com/tjfontaine/roundtable/internal/extractor"
	"github.com/tjfontaine/roundtable/internal/governor"
	"github.com/tjfontaine/roundtable/internal/intervention"
	"github.com/tjfontaine/roundtable/internal/roles"
	"github.com/tjfontaine/roundtable/internal/server"
	"github.com/tjfontaine/roundtable/internal/session"
	"github.com/tjfontaine/roundtable/internal/store"
	"github.com/tjfontaine/roundtable/internal/telemetry"
	"github.com/tjfontaine/roundtable/internal/tokens"
	"github.com/tjfontaine/roundtable/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("roundtable", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	reg, err := roles.Load(cfg.Roles.File)
	if err != nil {
		log.Fatalf("Failed to load roles: %v", err)
	}

	st, err := store.New(cfg.Storage.SQLite.Path)
	if err != nil {
		log.Fatalf("Failed to open debate memory: %v", err)
	}
	defer st.Close()

	client := transport.NewClient(cfg.Transport.BaseURL,
		transport.WithPollInterval(time.Duration(cfg.Debate.PollIntervalSeconds*float64(time.Second))),
		transport.WithMaxWait(time.Duration(cfg.Debate.MaxWaitSeconds)*time.Second),
	)

	sessions := session.NewManager(client, reg, cfg.Sessions.File, logger)
	queue := intervention.NewQueue(cfg.Queue.File, logger)
	sink := event.NewSink(cfg.Events.LogFile, cfg.Events.Enabled, logger)

	var counter tokens.Counter = tokens.NewEstimator()
	if cfg.Cost.PreciseTokenCounts {
		counter = tokens.NewTiktokenCounter(counter)
	}

	eng := engine.New(client, sessions, queue, sink, counter, engine.Config{
		MaxRounds:       cfg.Debate.MaxRounds,
		MaxBudgetEUR:    cfg.Debate.MaxBudgetEUR,
		MaxContextChars: cfg.Debate.MaxContextChars,
		MaxLogChars:     cfg.Events.MaxLogTextChars,
		ChiefRole:       cfg.Debate.ChiefRole,
		SummarizerRole:  cfg.Debate.SummarizerRole,
		Rates: governor.Rates{
			InputUSDPerMTok:  cfg.Cost.InputUSDPerMTok,
			OutputUSDPerMTok: cfg.Cost.OutputUSDPerMTok,
			EURPerUSD:        cfg.Cost.EURPerUSD,
		},
	}, logger)

	var ext *extractor.Extractor
	if cfg.Outputs.Enabled {
		ext = extractor.New(cfg.Outputs.Trigger, cfg.Outputs.Entity, cfg.Outputs.AllowedRoles)
	}

	frontdoor := api.New(st, queue, reg, sessions, eng, ext, logger)

	requestTimeout := time.Duration(cfg.Transport.RequestTimeoutSeconds * float64(time.Second))
	srv := server.New(cfg.Server.Port, requestTimeout, logger)
	frontdoor.Mount(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("roundtable started",
		slog.Int("port", cfg.Server.Port),
		slog.String("transport", cfg.Transport.BaseURL),
		slog.Bool("output_events", cfg.Outputs.Enabled),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	logger.Info("roundtable shutdown complete")
}
