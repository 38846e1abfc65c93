package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/agent"
	"github.com/lucasnoah/featurefactory/internal/config"
	"github.com/lucasnoah/featurefactory/internal/db"
	"github.com/lucasnoah/featurefactory/internal/domaintool"
	"github.com/lucasnoah/featurefactory/internal/harness"
	"github.com/lucasnoah/featurefactory/internal/logging"
	"github.com/lucasnoah/featurefactory/internal/metrics"
	"github.com/lucasnoah/featurefactory/internal/notify"
	"github.com/lucasnoah/featurefactory/internal/orchestrator"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
	"github.com/lucasnoah/featurefactory/internal/prompt"
	"github.com/lucasnoah/featurefactory/internal/telemetry"
	"github.com/lucasnoah/featurefactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	Long: `Run the orchestrator with the HTTP API and event stream.

Pipeline state is restored from the data directory on start. A pipeline that
was running when the previous server stopped is left where it was; run
"factory go <id>" to continue it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// serve wires every component from cfg and blocks until ctx ends or the
// HTTP server fails.
func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, version, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	m := metrics.New()
	sinks := pipeline.Sinks{m}

	if url := cfg.Database.URL.Value(); url != "" {
		database, err := db.Open(ctx, url)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		mirror := db.NewMirror(database, log, 0)
		defer func() {
			mctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			if err := mirror.Close(mctx); err != nil {
				log.Warn("event mirror did not drain", zap.Error(err))
			}
		}()
		sinks = append(sinks, mirror)
		log.Info("mirroring events to postgres")
	}

	store := pipeline.NewStore(cfg.DataDir,
		pipeline.WithLogger(log),
		pipeline.WithEventSink(sinks),
	)
	if err := store.Load(); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	notifiers := notify.Multi{notify.NewLogNotifier(log)}
	if cfg.Notify.NATSURL != "" {
		nn, err := notify.NewNATSNotifier(cfg.Notify.NATSURL, cfg.Notify.Subject, log)
		if err != nil {
			return err
		}
		defer nn.Close()
		notifiers = append(notifiers, nn)
	}

	var domain domaintool.Executor
	if cfg.DomainTools.URL != "" {
		domain = domaintool.NewHTTPExecutor(cfg.DomainTools.URL, cfg.DomainTools.Timeout.Duration())
	}

	h := harness.New(harness.Opts{
		Store: store,
		Runner: agent.NewCLIRunner(agent.CLIOpts{
			Binary:    cfg.Agent.Binary,
			ExtraArgs: cfg.Agent.ExtraArgs,
			DataDir:   cfg.DataDir,
			Version:   version,
			Logger:    log,
		}),
		Domain:         domain,
		DomainTools:    cfg.DomainTools.Tools,
		Notifier:       notifiers,
		Logger:         log,
		ResultTruncate: cfg.Pipeline.ResultTruncate,
	})

	orch := orchestrator.New(orchestrator.OptsFromConfig(cfg, orchestrator.Opts{
		Store:    store,
		Sessions: h,
		Prompts:  prompt.NewRenderer(templatesDir(cfg)),
		Notifier: notifiers,
		Logger:   log,
	}))
	if id := store.ActiveID(); id != "" {
		log.Info("pipeline left unfinished by a previous run; use go to continue it", logging.PipelineID(id))
	}

	srv := web.NewServer(orch, m.Handler(), log, cfg.Server)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err = <-errc:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	shutdownErr := srv.Shutdown(sctx)
	if oerr := orch.Shutdown(sctx); oerr != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("stop runs: %w", oerr))
	}
	if err != nil {
		return err
	}
	return shutdownErr
}

// templatesDir returns the prompt override directory, defaulting to
// <data>/templates.
func templatesDir(cfg *config.Config) string {
	if cfg.Pipeline.TemplatesDir != "" {
		return cfg.Pipeline.TemplatesDir
	}
	return filepath.Join(cfg.DataDir, "templates")
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides server.port)")
}
