package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/convo/internal/config"
	"github.com/wilhg/convo/internal/logging"
	"github.com/wilhg/convo/internal/metrics"
	"github.com/wilhg/convo/pkg/actor"
	"github.com/wilhg/convo/pkg/adapters/llm"
	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/connect"
	"github.com/wilhg/convo/pkg/host/local"
	"github.com/wilhg/convo/pkg/mcpserver"
	"github.com/wilhg/convo/pkg/otel"
	"github.com/wilhg/convo/pkg/store"
	"github.com/wilhg/convo/pkg/store/entstore"
	"github.com/wilhg/convo/pkg/store/memstore"
	"github.com/wilhg/convo/pkg/tools"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve conversation actors over HTTP",
		Long: `Serve conversation actors over HTTP.

Actors are activated from their log on first use. Integration tools of the
runtime are also exported over MCP at /mcp, and Prometheus metrics at /metrics.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// openStore opens the configured database, or an in-memory store when none
// is configured.
func openStore(ctx context.Context, url string) (store.Store, func() error, error) {
	if url == "" {
		return memstore.New(), func() error { return nil }, nil
	}
	st, err := entstore.Open(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, st.Close, nil
}

func newModel(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	f, ok := llm.Resolve(cfg.LLM.Provider)
	if !ok {
		return nil, fmt.Errorf("no model provider %q", cfg.LLM.Provider)
	}
	return f(ctx, cfg.ProviderConfig())
}

// server is everything a running convo process owns.
type server struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	host     *local.Host
	metrics  *metrics.Metrics
	builtins *agent.Registry
	dir      *actor.Directory
}

func newServer(cfg *config.Config, st store.Store, model llm.Client, logger *zap.Logger) (*server, error) {
	builtins, err := tools.Builtins(tools.BuiltinOptions{})
	if err != nil {
		return nil, err
	}
	s := &server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		host:     local.New(local.WithLogger(logger)),
		metrics:  metrics.New(),
		builtins: builtins,
	}
	modelName := cfg.LLM.Model
	integrations := cfg.ServerConfigs()
	s.dir = actor.NewDirectory(func(string) actor.Options {
		return actor.Options{
			Store:            st,
			Runtime:          s.host,
			Model:            model,
			ModelName:        modelName,
			Connector:        connect.NewMCPConnector(integrations, connect.WithClientInfo("convo", version)),
			Integrations:     integrations,
			Builtins:         builtins,
			Policy:           tools.ApprovalPolicy{ApproverRoles: cfg.Approvals.ApproverRoles},
			SystemPrompt:     cfg.LLM.SystemPrompt,
			MaxContextTokens: cfg.LLM.MaxContextTokens,
			MaxOutputTokens:  cfg.LLM.MaxOutputTokens,
			MaxSteps:         cfg.LLM.MaxSteps,
			HeartbeatTimeout: cfg.Heartbeat.Timeout,
			SweepInterval:    cfg.Heartbeat.SweepInterval,
			SnapshotEvery:    100,
			Recorder:         s.metrics,
			Logger:           logger,
		}
	})
	return s, nil
}

func (s *server) handler() (http.Handler, error) {
	// exported builtins never touch the local filesystem
	mcp := mcpserver.New("convo", version,
		mcpserver.WithPermissions(map[string]bool{"network:outbound": true}),
		mcpserver.WithValidator((&agent.SchemaCache{}).Validate),
		mcpserver.WithLogger(s.logger))
	if err := mcp.Export(s.builtins); err != nil {
		return nil, err
	}
	api := &api{dir: s.dir, store: s.store, host: s.host, logger: s.logger}
	mux := api.routes()
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.Handle("/mcp", mcp.Handler())
	return otelhttp.NewHandler(mux, "convo"), nil
}

func (s *server) close() error {
	err := s.dir.Close()
	s.host.Close()
	return err
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "convo",
		ServiceVersion: version,
		UseStdout:      cfg.Tracing.Stdout,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	model, err := newModel(ctx, cfg)
	if err != nil {
		return err
	}
	s, err := newServer(cfg, st, model, logger)
	if err != nil {
		return err
	}
	h, err := s.handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.String("provider", model.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if cerr := s.close(); cerr != nil {
			logger.Warn("closing actors", zap.Error(cerr))
		}
		if terr := shutdownTracing(sctx); terr != nil {
			logger.Warn("flushing traces", zap.Error(terr))
		}
		return err
	})
	return g.Wait()
}
