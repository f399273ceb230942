// stenod is a headless speech-to-text capture daemon. It records microphone
// and system audio, persists transcript segments to SQLite, keeps rolling
// model-derived summaries, and exposes an NDJSON control socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stenoproject/stenod/internal/broadcast"
	"github.com/stenoproject/stenod/internal/config"
	"github.com/stenoproject/stenod/internal/daemon"
	"github.com/stenoproject/stenod/internal/engine"
	"github.com/stenoproject/stenod/internal/log"
	"github.com/stenoproject/stenod/internal/server"
	"github.com/stenoproject/stenod/internal/speech"
	"github.com/stenoproject/stenod/internal/store"
	"github.com/stenoproject/stenod/internal/summary"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	socketPath := flag.String("socket", "", "control socket path (overrides STENOD_SOCKET)")
	dbPath := flag.String("db", "", "database path (overrides STENOD_DB)")
	locale := flag.String("locale", "", "default recognition locale (overrides STENOD_LOCALE)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stenod %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *locale != "" {
		cfg.DefaultLocale = *locale
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "stenod"})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", version).
		Str("db", cfg.DBPath).
		Str("socket", cfg.SocketPath).
		Msg("starting")

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("data directory not creatable")
	}

	repo, err := store.OpenSqlite(cfg.DBPath, store.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("database open failed")
	}

	bus := broadcast.New()
	opts := engine.Options{
		Sources:       speech.NullSourceFactory{},
		Recognizers:   speech.NullRecognizerFactory{},
		Probe:         speech.AllowAllProbe{},
		Repo:          repo,
		Sink:          bus,
		DefaultLocale: cfg.DefaultLocale,
	}

	if cfg.LLMAPIKey != "" || cfg.LLMBaseURL != "" {
		llm := summary.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
		summaryCfg := summary.DefaultConfig()
		summaryCfg.TriggerCount = cfg.SummaryTriggerCount
		summaryCfg.TimeThreshold = cfg.SummaryInterval
		summaryCfg.LLMTimeout = cfg.LLMTimeout
		opts.Coordinator = summary.NewCoordinator(repo, llm, summaryCfg)
		logger.Info().Str(log.FieldModelID, cfg.LLMModel).Msg("summarization enabled")
	} else {
		logger.Warn().Msg("no model backend configured, summarization disabled")
	}

	eng := engine.New(opts)
	dispatcher := server.NewDispatcher(eng, bus, cfg.DefaultSystemAudio)
	srv := server.New(cfg.SocketPath, dispatcher, bus)
	app := daemon.NewApp(cfg, eng, srv, repo)

	if err := app.Run(context.Background()); err != nil {
		var running *daemon.ErrAlreadyRunning
		if errors.As(err, &running) {
			logger.Error().Int("pid", running.Pid).Msg("another instance is already running")
			os.Exit(2)
		}
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}
