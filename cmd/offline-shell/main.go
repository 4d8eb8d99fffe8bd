package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	offlineshell "github.com/offline-shell/offline-shell"
	"github.com/offline-shell/offline-shell/cache"
	clienthub "github.com/offline-shell/offline-shell/pkg/client-hub"
	"github.com/offline-shell/offline-shell/syncqueue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	versionFlag        string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&versionFlag, "app-version", "", "App version / cache namespace (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "shell.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	cfg, err := getConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read config")
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if versionFlag != "" {
		cfg.Version = versionFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if cfg.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	if cfg.Version == "" {
		log.Fatal().Msg("Please specify app version")
	}

	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	// sqlite providers, sharing naming with the -db flag
	cacheFilename := cfg.CacheFile
	if cacheFilename == "" {
		cacheFilename = dbFilenameFlag
	}
	if cacheFilename == "memory" {
		cacheFilename = ""
	}
	provider, err := cache.NewSQLiteCache(cacheFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	queueFilename := cfg.QueueFile
	if queueFilename == "memory" {
		queueFilename = ""
	}
	queue, err := syncqueue.NewQueue(queueFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open sync queue db")
	}

	classifier := offlineshell.DefaultClassifier()
	if cfg.APIPrefix != "" {
		classifier.APIPrefix = cfg.APIPrefix
	}
	if cfg.ImagesPrefix != "" {
		classifier.ImagesPrefix = cfg.ImagesPrefix
	}
	if cfg.AssetsPrefix != "" {
		classifier.AssetsPrefix = cfg.AssetsPrefix
	}

	hub := clienthub.NewHub(log.Logger, nil)
	worker := offlineshell.CreateWorker(offlineshell.Config{
		Cache:         provider,
		OriginURL:     *originURL,
		Version:       cfg.Version,
		Precache:      cfg.Precache,
		OfflinePage:   cfg.OfflinePage,
		FallbackImage: cfg.FallbackImage,
		APITimeout:    time.Duration(cfg.APITimeoutMs) * time.Millisecond,
		Classifier:    classifier,
		Queue:         queue,
		SyncTags:      cfg.SyncTags,
		Broadcaster:   hub,
		Logger:        &log.Logger,
	})
	hub.SetHandler(worker.HandleMessage)

	ctx := context.Background()
	installCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err = worker.Start(installCtx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Install failed")
	}

	// config file changes drive version transitions
	if configFilenameFlag != "" {
		watcher, err := watchConfig(configFilenameFlag, log.Logger, func(next config) {
			if next.Version == worker.Version() {
				return
			}
			transitionCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if err := worker.TransitionTo(transitionCtx, next.Version, next.Precache); err != nil {
				log.Error().Err(err).Msg("Version transition failed, previous version keeps serving")
			}
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Could not watch config file")
		}
		defer watcher.Close()
	}

	log.Info().Msgf("Dispatching port %v to %s (version '%s')", cfg.Port, cfg.Origin, cfg.Version)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Port), worker.Routes(hub)); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}
