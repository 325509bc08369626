package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_relay/internal/admission"
	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/directory"
	"github.com/austindbirch/harbor_relay/internal/eventlog"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay-ingest"

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect
	pool, err := db.Connect(ctx, cfg.DSN(), 0)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Plain().WithError(err).Fatal("db migrate failed")
		}
		logger.Plain().Info("schema applied")
	}

	// NSQ producer
	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()

	// Admission counters
	var rdb *redis.Client
	if cfg.RateLimit.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}
	counters := newCounterStore(rdb)
	controller := admission.NewController(counters, cfg.RateLimit.Max, cfg.RateLimit.Window)

	dir := directory.NewPostgres(pool)
	events := eventlog.NewStore(pool)
	producer := queue.NewProducer(prod, cfg.NSQ.DeliveriesTopic)
	svc := ingest.NewService(dir, dir, events, producer, logger)

	var authn func(http.Handler) http.Handler
	if cfg.JWTSecret != "" {
		v, err := auth.NewJWTValidator(cfg.JWTSecret)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator")
		}
		authn = v.HTTPMiddleware
	} else {
		logger.Plain().Warn("JWT_SECRET not set, status API disabled")
	}

	checker := health.NewChecker().Add("database", pool)
	if rdb != nil {
		checker.Add("redis", admission.NewRedisStore(rdb))
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// gRPC health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, checker, hs, 10*time.Second, logger)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	handler := ingest.NewHandler(svc, logger)
	router := newRouter(handler.Routes(admission.Middleware(controller, logger), authn), checker, reg)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down ingest service")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Plain().Info("ingest stopped")
}

// newCounterStore shares counters through redis when a client is configured
// and falls back to process-local counters otherwise.
func newCounterStore(rdb *redis.Client) admission.CounterStore {
	if rdb == nil {
		return admission.NewMemoryStore()
	}
	return admission.NewRedisStore(rdb)
}

func newRouter(app http.Handler, checker *health.Checker, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", health.HTTPHandler(checker))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/", app)
	return r
}
