package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/smartpark/internal/auth"
	ratelimitmw "github.com/example/smartpark/internal/http/middleware"
	"github.com/example/smartpark/internal/notify"
	"github.com/example/smartpark/internal/spot/domain"
	"github.com/example/smartpark/internal/spot/handler"
	"github.com/example/smartpark/internal/spot/repository"
	"github.com/example/smartpark/internal/spot/search"
	spotservice "github.com/example/smartpark/internal/spot/service"
	"github.com/example/smartpark/internal/ws"
	"github.com/example/smartpark/pkg/observability"
)

type appConfig struct {
	HTTPAddr       string
	GRPCAddr       string
	PostgresDSN    string
	RedisAddr      string
	NATSURL        string
	NATSSubject    string
	JWTSecret      string
	RateReadRPS    float64
	RateReadBurst  float64
	RateWriteRPS   float64
	RateWriteBurst float64
	NotifyRetryMax int
	NotifyBackoff  time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("spot-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "spot-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		if err := repository.Migrate(ctx, pool); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		defer pool.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("spotservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var spots domain.SpotRepository
	var reservations domain.ReservationRepository
	if pool != nil {
		spots = repository.NewPostgresSpotRepository(pool)
		reservations = repository.NewPostgresReservationRepository(pool)
	} else {
		spots = repository.NewMemorySpotRepository()
		reservations = repository.NewMemoryReservationRepository()
		logger.Warn("postgres not configured, using in-memory stores")
	}

	var index search.SpotIndex
	if redisClient != nil {
		index = search.NewRedisGeoIndex(redisClient, spots, "")
	} else {
		index = search.NewCellIndex()
	}

	broker := notify.NewBroker()
	defer broker.Close()

	svc := spotservice.New(spots, reservations, index, broker, domain.SystemClock{}, logger.Named("service"))
	if err := svc.LoadIndex(ctx); err != nil {
		logger.Fatal("index bootstrap", zap.Error(err))
	}

	if natsConn != nil {
		dispatcher := notify.NewDispatcher(broker, natsConn, logger.Named("dispatcher"), notify.DispatcherConfig{
			Subject:  cfg.NATSSubject,
			RetryMax: cfg.NotifyRetryMax,
			Backoff:  cfg.NotifyBackoff,
		})
		go func() {
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("dispatcher stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("nats not configured, change events stay local")
	}

	hub := ws.NewHub(broker, logger.Named("ws"))
	go hub.Run(ctx)

	if cfg.GRPCAddr != "" {
		go runGRPC(ctx, logger, broker, cfg.GRPCAddr)
	}

	limiter := ratelimitmw.NewRateLimiter(redisClient,
		ratelimitmw.RateConfig{Rate: cfg.RateReadRPS, Burst: cfg.RateReadBurst},
		ratelimitmw.RateConfig{Rate: cfg.RateWriteRPS, Burst: cfg.RateWriteBurst},
	)

	var guard func(http.Handler) http.Handler
	if cfg.JWTSecret != "" {
		guard = auth.Middleware(cfg.JWTSecret)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
	r.Mount("/", handler.NewHTTP(svc).Router(guard))
	r.Get("/ws", hub.ServeWS)
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("spot service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func runGRPC(ctx context.Context, logger *zap.Logger, broker *notify.Broker, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}

	srv := grpc.NewServer()
	notify.RegisterEventsServer(srv, notify.NewStreamServer(broker))
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	logger.Info("event stream grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Error("grpc serve", zap.Error(err))
	}
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:       os.Getenv("GRPC_ADDR"),
		PostgresDSN:    firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		NATSURL:        os.Getenv("NATS_URL"),
		NATSSubject:    getenv("NATS_SUBJECT", "spot.events"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		RateReadRPS:    parseFloatEnv("RATE_READ_RPS", 50),
		RateReadBurst:  parseFloatEnv("RATE_READ_BURST", 100),
		RateWriteRPS:   parseFloatEnv("RATE_WRITE_RPS", 10),
		RateWriteBurst: parseFloatEnv("RATE_WRITE_BURST", 20),
		NotifyRetryMax: parseIntEnv("NOTIFY_RETRY_MAX", 3),
		NotifyBackoff:  time.Duration(parseIntEnv("NOTIFY_BACKOFF_MS", 100)) * time.Millisecond,
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
