// Binary parley runs the conversation daemon: it loads the TOML
// configuration, connects agents to their Ollama endpoints, starts tool
// servers, and serves the HTTP command surface until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/internal/config"
	"github.com/nevindra/parley/internal/httpapi"
	"github.com/nevindra/parley/mcp"
	"github.com/nevindra/parley/observer"
	"github.com/nevindra/parley/provider/ollama"
	"github.com/nevindra/parley/store"
	"github.com/nevindra/parley/store/postgres"
	"github.com/nevindra/parley/store/sqlite"
)

func main() {
	configPath := flag.String("config", "parley.toml", "path to the TOML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Load config
	file, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := file.Build()
	if err != nil {
		log.Fatal(err)
	}

	// 2. Event fan-out
	events := parley.NewBroadcaster()
	var sink parley.EventSink = events

	// 3. Observability (optional)
	var inst *observer.Instruments
	if file.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				logger.Error("observer shutdown", "error", err)
			}
		}()
		sink = observer.WrapSink(events, inst)
		for i := range cfg.Agents {
			cfg.Agents[i].Provider = observer.WrapProvider(cfg.Agents[i].Provider, inst)
		}
	}

	// 4. Tool servers
	registry := mcp.NewRegistry(mcp.WithLogger(logger), mcp.WithEventSink(sink))
	defer registry.Close()
	for _, spec := range file.GlobalToolServers() {
		if err := registry.Start(ctx, spec); err != nil {
			logger.Error("tool server failed to start", "server", spec.Name, "error", err)
		}
	}
	var broker parley.ToolBroker = registry
	if inst != nil {
		broker = observer.WrapBroker(registry, inst)
	}

	// 5. Transcript store
	st, cleanup, err := openStore(ctx, file.Database)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()
	if err := st.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// 6. Orchestrator
	orch := parley.NewOrchestrator(cfg,
		parley.WithSink(sink),
		parley.WithToolBroker(broker),
		parley.WithLogger(logger),
	)
	defer orch.Close()

	// 7. HTTP surface
	httpapi.SetProber(func(baseURL, model string) parley.Provider {
		return ollama.New(baseURL, model)
	})
	api := httpapi.New(orch, events,
		httpapi.WithRegistry(registry),
		httpapi.WithStore(st),
		httpapi.WithLogger(logger),
	)
	srv := &http.Server{Addr: file.Server.ListenAddr, Handler: api}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", file.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if _, err := orch.Stop(shutdownCtx); err != nil && !errors.Is(err, parley.ErrNotRunning) {
		logger.Error("stop conversation", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
}

// openStore picks the transcript store from the database config.
func openStore(ctx context.Context, db config.DatabaseConfig) (store.Store, func(), error) {
	switch db.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, db.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil
	case "sqlite":
		s := sqlite.New(db.Path)
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, errors.New("config: unknown database driver " + db.Driver)
	}
}
