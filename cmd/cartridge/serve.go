package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/eigerco/cartridge/internal/app"
	"github.com/eigerco/cartridge/internal/channel"
	"github.com/eigerco/cartridge/internal/config"
	"github.com/eigerco/cartridge/internal/core"
	"github.com/eigerco/cartridge/internal/jobs"
	"github.com/eigerco/cartridge/pkg/db"
	"github.com/eigerco/cartridge/pkg/db/badger"
	"github.com/eigerco/cartridge/pkg/db/pebble"
	"github.com/eigerco/cartridge/pkg/log"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	config     string
	listen     string
	quicListen string
	engine   string
	dataDir  string
	logLevel string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reference application over HTTP and websockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, nil)
		},
	}
	cmd.Flags().StringVarP(&flags.config, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "listen address, overrides the config")
	cmd.Flags().StringVar(&flags.quicListen, "quic-listen", "", "QUIC chat listen address, overrides the config")
	cmd.Flags().StringVar(&flags.engine, "engine", "", "storage engine (pebble or badger), overrides the config")
	cmd.Flags().StringVar(&flags.dataDir, "data-dir", "", "storage data directory, overrides the config")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level, overrides the config")
	return cmd
}

func loadConfig(cmd *cobra.Command, flags serveFlags) (config.Config, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = flags.listen
	}
	if cmd.Flags().Changed("quic-listen") {
		cfg.QUICListen = flags.quicListen
	}
	if cmd.Flags().Changed("engine") {
		cfg.Storage.Engine = flags.engine
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.Dir = flags.dataDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, cfg.Validate()
}

// boundAddrs are the addresses serve listens on. QUIC is nil when the QUIC
// listener is disabled.
type boundAddrs struct {
	HTTP net.Addr
	QUIC net.Addr
}

// serve runs until ctx is done. ready, when not nil, receives the bound
// addresses once the listeners are up.
func serve(ctx context.Context, cfg config.Config, ready chan<- boundAddrs) error {
	logOpts, err := cfg.LogOptions()
	if err != nil {
		return err
	}
	log.Init(logOpts)

	kv, err := openMedium(cfg.Storage)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := core.Open(kv,
		core.WithRegisterer(reg),
		core.WithChannelLimits(cfg.Channel.ReadLimit, cfg.Channel.WriteTimeout),
		core.WithCheckOrigin(channel.AllowOrigins(cfg.Channel.AllowedOrigins)),
		core.WithJobs(
			jobs.WithHistorySize(cfg.Jobs.HistorySize),
			jobs.WithCleanup(cfg.Jobs.CleanupInterval, cfg.Jobs.Keep),
		),
	)
	if err != nil {
		return multierr.Append(err, kv.Close())
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Root.Error().Err(err).Msg("close runtime")
		}
	}()

	templates := app.DefaultTemplates()
	if cfg.App.Templates != "" {
		templates = os.DirFS(cfg.App.Templates)
	}
	if err := app.InstallTemplates(rt, templates); err != nil {
		return err
	}

	handler := app.NewServer(rt, app.WithChatRetention(cfg.App.ChatRetention))
	if cfg.Metrics != "" {
		handler.Handle(cfg.Metrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	addrs := boundAddrs{HTTP: ln.Addr()}

	var quicLn *channel.QUICListener
	if cfg.QUICListen != "" {
		quicLn, err = rt.ListenQUIC(cfg.QUICListen, nil)
		if err != nil {
			return multierr.Append(err, ln.Close())
		}
		addrs.QUIC = quicLn.Addr()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Root.Info().Str("addr", ln.Addr().String()).Str("version", version).Msg("serving")
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rt.Jobs().Run(gctx)
	})
	if quicLn != nil {
		g.Go(func() error {
			log.Root.Info().Str("addr", quicLn.Addr().String()).Msg("serving quic")
			return quicLn.Serve(gctx, handler.ServeStream)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Root.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if ready != nil {
		ready <- addrs
	}

	return g.Wait()
}

func openMedium(cfg config.StorageConfig) (db.KVStore, error) {
	log.Storage.Info().Str("engine", cfg.Engine).Str("dir", cfg.Dir).Msg("opening storage medium")
	if cfg.Engine == config.EngineBadger {
		return badger.NewKVStore(cfg.Dir)
	}
	return pebble.NewKVStore(pebble.WithPath(cfg.Dir), pebble.WithCacheSize(cfg.CacheSize))
}
