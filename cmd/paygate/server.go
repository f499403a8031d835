package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/paygate/pkg/api"
	"github.com/Mindburn-Labs/paygate/pkg/audit"
	"github.com/Mindburn-Labs/paygate/pkg/budget"
	"github.com/Mindburn-Labs/paygate/pkg/config"
	"github.com/Mindburn-Labs/paygate/pkg/enforcement"
	"github.com/Mindburn-Labs/paygate/pkg/identity"
	"github.com/Mindburn-Labs/paygate/pkg/observability"
	"github.com/Mindburn-Labs/paygate/pkg/payment"
	"github.com/Mindburn-Labs/paygate/pkg/policy"
	"github.com/Mindburn-Labs/paygate/pkg/quote"
	"github.com/Mindburn-Labs/paygate/pkg/ratelimit"
	"github.com/Mindburn-Labs/paygate/pkg/receipts"
	"github.com/Mindburn-Labs/paygate/pkg/replay"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// server is a fully wired gateway. Close releases everything it opened.
type server struct {
	handler http.Handler
	routes  *policy.RouteTable
	edge    *api.EdgeLimiter
	closers []func() error
}

func (s *server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *server) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// buildServer opens the stores named by cfg and assembles the HTTP handler.
// On error everything opened so far is closed.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *server, err error) {
	s := &server{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	routes, err := config.LoadRoutesFile(cfg.Policy.RoutesFile, cfg.Chain.AssetDecimals)
	if err != nil {
		return nil, err
	}
	s.routes = routes

	obs, err := observability.New(ctx, &observability.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		ServiceName:    "paygate",
		ServiceVersion: version,
		Environment:    "production",
	})
	if err != nil {
		return nil, err
	}
	s.onClose(func() error { return obs.Shutdown(context.Background()) })

	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	s.onClose(db.Close)

	var (
		nonces  replay.NonceStore
		limiter ratelimit.Limiter
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.onClose(rdb.Close)
		nonces = replay.NewRedisStore(rdb, cfg.Payment.NonceTTL)
		limiter = ratelimit.NewRedisLimiter(rdb)
		logger.InfoContext(ctx, "redis connected", "addr", cfg.Redis.Addr)
	} else {
		sqlNonces := replay.NewSQLStore(db)
		if err := sqlNonces.Init(ctx); err != nil {
			return nil, err
		}
		nonces = sqlNonces
		limiter = ratelimit.NewMemoryLimiter()
	}

	passports, sessions, err := openPolicy(ctx, cfg.Policy, db)
	if err != nil {
		return nil, err
	}

	quotes := quote.NewSQLStore(db)
	if err := quotes.Init(ctx); err != nil {
		return nil, err
	}

	spend := budget.NewSQLStorage(db)
	if err := spend.Init(ctx); err != nil {
		return nil, err
	}

	mirror := receipts.NewSQLStore(db)
	if err := mirror.Init(ctx); err != nil {
		return nil, err
	}
	receiptWriter, err := receipts.NewWriter(ctx, receipts.LedgerConfig{
		Type:     receipts.LedgerType(cfg.Receipts.Ledger),
		Bucket:   cfg.Receipts.Bucket,
		Region:   cfg.Receipts.Region,
		Endpoint: cfg.Receipts.Endpoint,
		Prefix:   cfg.Receipts.Prefix,
	}, mirror)
	if err != nil {
		return nil, err
	}

	eventTable := audit.NewSQLSink(db)
	if err := eventTable.Init(ctx); err != nil {
		return nil, err
	}
	sinks := []audit.Sink{eventTable}
	if len(cfg.Events.KafkaBrokers) > 0 {
		stream, err := audit.NewKafkaSink(audit.KafkaConfig{Brokers: cfg.Events.KafkaBrokers, Topic: cfg.Events.KafkaTopic})
		if err != nil {
			return nil, err
		}
		s.onClose(stream.Close)
		sinks = append(sinks, stream)
	}
	events := audit.NewMulti(eventTable, sinks...)

	var fetcher payment.ReceiptFetcher
	if cfg.Chain.RPCURL != "" {
		eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial ledger rpc: %w", err)
		}
		s.onClose(func() error { eth.Close(); return nil })
		fetcher = eth
	}
	facilitator, err := payment.NewFacilitatorClient(payment.FacilitatorConfig{
		URL:     cfg.Facilitator.URL,
		Timeout: cfg.Facilitator.Timeout,
		Secret:  cfg.Facilitator.Secret,
	})
	if err != nil {
		return nil, err
	}
	payments := payment.NewService(facilitator, payment.NewDirectVerifier(fetcher), payment.WithQuoteTTL(cfg.Payment.QuoteTTL))

	opts := []enforcement.Option{
		enforcement.WithLogger(logger),
		enforcement.WithTracer(obs.Tracer()),
		enforcement.WithMeter(obs.Meter()),
	}
	if cfg.Payment.LenientQuotes {
		opts = append(opts, enforcement.WithLenientQuotes())
	}
	orchestrator, err := enforcement.New(enforcement.Deps{
		Routes:    routes,
		Verifier:  identity.NewEVMVerifier(cfg.Payment.MaxSkew),
		Nonces:    nonces,
		Sessions:  sessions,
		Passports: passports,
		Limiter:   limiter,
		Budget:    budget.NewEnforcer(spend),
		Quotes:    quotes,
		Payments:  payments,
		Receipts:  receiptWriter,
		Events:    events,
		PayTo:     cfg.Chain.PayTo,
		Asset:     cfg.Chain.Asset,
	}, opts...)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", api.HealthHandler(version))
	mux.Handle("GET /v1/actions/{actionId}/events", api.ActionEventsHandler(events))

	gated := enforcement.Gate(orchestrator, enforcement.PatternResolver)
	for _, route := range routes.List() {
		if !isMuxPattern(route.RouteID) {
			logger.WarnContext(ctx, "route id is not an http pattern, not served", "route_id", route.RouteID)
			continue
		}
		mux.Handle(route.RouteID, gated(routeHandler(route.RouteID)))
	}

	s.edge = api.NewEdgeLimiter(cfg.Edge.RPS, cfg.Edge.Burst)
	var handler http.Handler = mux
	if cfg.Edge.RPS > 0 {
		handler = s.edge.Middleware(handler)
	}
	s.handler = api.RequestID(handler)
	return s, nil
}

// isMuxPattern accepts "METHOD /path" route ids.
func isMuxPattern(id string) bool {
	method, path, ok := strings.Cut(id, " ")
	return ok && method != "" && strings.HasPrefix(path, "/")
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = sql.Open("postgres", cfg.URL)
	default:
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err == nil {
			// A single connection serializes writers on the shared file.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.InfoContext(ctx, "database connected", "driver", cfg.Driver)
	return db, nil
}

func openPolicy(ctx context.Context, cfg config.PolicyConfig, db *sql.DB) (policy.PassportClient, policy.SessionClient, error) {
	if cfg.Source == "sql" {
		store := policy.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
	store := policy.NewMemoryStore()
	if cfg.SeedFile != "" {
		if err := store.LoadSeedFile(cfg.SeedFile); err != nil {
			return nil, nil, err
		}
	}
	return store, store, nil
}
