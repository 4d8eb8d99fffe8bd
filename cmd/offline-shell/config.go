package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type config struct {
	Version       string   `yaml:"version" env:"SHELL_VERSION"`
	Origin        string   `yaml:"origin" env:"SHELL_ORIGIN"`
	Port          int      `yaml:"port" env:"SHELL_PORT"`
	CacheFile     string   `yaml:"cacheFile" env:"SHELL_CACHE_FILE"`
	QueueFile     string   `yaml:"queueFile" env:"SHELL_QUEUE_FILE"`
	APITimeoutMs  int      `yaml:"apiTimeoutMs" env:"SHELL_API_TIMEOUT_MS"`
	APIPrefix     string   `yaml:"apiPrefix"`
	ImagesPrefix  string   `yaml:"imagesPrefix"`
	AssetsPrefix  string   `yaml:"assetsPrefix"`
	OfflinePage   string   `yaml:"offlinePage"`
	FallbackImage string   `yaml:"fallbackImage"`
	Precache      []string `yaml:"precache"`
	SyncTags      []string `yaml:"syncTags"`
}

// getConfig reads the yaml config file (when given) and applies environment
// variable overrides on top.
func getConfig(filename string) (config, error) {
	var cfg config
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(configBytes, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return cfg, nil
}

// watchConfig watches the config file and calls onChange with the re-read
// config on every write. Re-read failures are logged and skipped.
func watchConfig(filename string, logger zerolog.Logger, onChange func(config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := getConfig(filename)
				if err != nil {
					logger.Error().Err(err).Msg("Could not re-read config")
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("Config watch error")
			}
		}
	}()
	return watcher, nil
}
