package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"voiced/internal/bootstrap"
	"voiced/internal/common/fsutil"
	"voiced/internal/config"
	"voiced/internal/httpapi"
	"voiced/internal/runtime"
	"voiced/internal/settings"
	"voiced/pkg/types"
)

// version is injected at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		flagCfg    config.Config
	)

	root := &cobra.Command{
		Use:          "voiced",
		Short:        "Local text-to-speech daemon",
		Long:         "voiced installs speech model packs and serves synthesis to the desktop app over loopback HTTP.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(configPath, flagCfg)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	f := root.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a yaml/json/toml config file")
	f.StringVar(&flagCfg.Addr, "addr", "", "HTTP listen address")
	f.StringVar(&flagCfg.InstallPath, "install-path", "", "default model install directory")
	f.StringVar(&flagCfg.BackendMode, "backend-mode", "", "backend mode: auto, embedded or sidecar")
	f.StringVar(&flagCfg.BundleDir, "bundle-dir", "", "directory holding bundled model packs")
	f.StringVar(&flagCfg.SettingsDB, "settings-db", "", "path to the settings database")
	f.StringVar(&flagCfg.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&flagCfg.LogFormat, "log-format", "", "log format: console or json")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the voiced version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("voiced %s\n", version)
		},
	})

	return root
}

// resolveConfig layers the sources: flag > file > environment > default.
func resolveConfig(configPath string, flagCfg config.Config) (config.Config, error) {
	cfg := config.Default()

	envCfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	cfg = cfg.Merged(envCfg)

	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config %s: %w", configPath, err)
		}
		cfg = cfg.Merged(fileCfg)
	}

	return cfg.Merged(flagCfg), nil
}

func serve(cfg config.Config) error {
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	store, closeStore := openStore(cfg.SettingsDB, log)
	defer closeStore()

	supervisor := runtime.NewSupervisor(runtime.Options{
		Worker: runtime.WorkerLaunch{
			Bin:    cfg.WorkerBin,
			Flags:  cfg.WorkerFlags,
			Script: cfg.WorkerScript,
		},
		Sidecar: runtime.SidecarLaunch{
			Bin:  cfg.SidecarBin,
			Args: cfg.SidecarArgs,
			Port: cfg.SidecarPort,
		},
		Store: store,
		Log:   log,
		DefaultPolicy: types.ResourcePolicy{
			StrictWakeOnly: cfg.StrictWakeOnly,
			IdleStopMs:     cfg.IdleStopMs,
		},
	})

	orch := bootstrap.New(bootstrap.Options{
		DefaultInstallPath: cfg.InstallPath,
		BundleDir:          cfg.BundleDir,
		BackendMode:        types.BackendMode(cfg.BackendMode),
		Store:              store,
		Runtime:            supervisor,
		Log:                log,
	})

	// A completed earlier install plus the auto-start preference brings the
	// backend up without waiting for the UI.
	if st := orch.GetStatus(); st.AutoStart && !st.FirstRun {
		log.Info().Msg("auto-starting from previous install")
		go orch.Start(bootstrap.StartInput{})
	}

	mux := httpapi.NewMux(httpapi.MuxOptions{
		Bootstrap:   orch,
		Runtime:     supervisor,
		Log:         log,
		CORSOrigins: cfg.CORSOrigins,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version).Msg("voiced listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		supervisor.Stop()
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	supervisor.Stop()
	return nil
}

func newLogger(level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level %q: %w", level, err)
	}
	var log zerolog.Logger
	if format == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return log.Level(lvl).With().Timestamp().Logger(), nil
}

// openStore opens the SQLite settings store, falling back to an in-memory
// store when the database cannot be opened. Preferences simply stop
// persisting in that case; the daemon still works.
func openStore(path string, log zerolog.Logger) (settings.Store, func()) {
	expanded, err := fsutil.ExpandHome(path)
	if err == nil {
		if db, oerr := settings.OpenSQLite(expanded); oerr == nil {
			return db, func() { _ = db.Close() }
		} else {
			err = oerr
		}
	}
	log.Warn().Err(err).Str("path", path).Msg("settings db unavailable, using in-memory store")
	return settings.NewMemory(), func() {}
}
