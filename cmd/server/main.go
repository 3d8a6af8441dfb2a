package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/coordinator"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/reports"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("ride-dispatch-api", cfg.LogLevel)

	// stores: postgres when configured, memory otherwise
	var (
		rideStore    storage.RideStore
		captainStore storage.CaptainStore
		reportStore  *reports.Store
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		rideStore, captainStore = pg, pg
		reportStore = reports.NewStore(pg.DB())
	} else {
		mem := storage.NewMemoryStore()
		rideStore, captainStore = mem, mem
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndexFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex()
		logger.Warn("REDIS_ADDR not set, using in-memory geo index")
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	var (
		ors      *maps.ORSClient
		geocoder maps.Geocoder
		router   maps.Router
	)
	if cfg.ORSAPIKey != "" {
		ors = maps.NewORSClient(cfg.ORSEndpoint, cfg.ORSAPIKey)
		geocoder = ors
		router = maps.NewCachingRouter(ors, 2*time.Minute)
	} else {
		logger.Warn("ORS_API_KEY not set, geocoding disabled and routing degraded to haversine")
		geocoder = unresolvedGeocoder{}
		router = &maps.HaversineRouter{SpeedMps: cfg.FallbackSpeedMps}
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	}

	wsreg := dispatch.NewWSRegistry(logger)
	var notifier dispatch.Notifier = wsreg
	if cfg.PushEndpoint != "" {
		notifier = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, wsreg)
	}

	rates := fare.DefaultTable()
	for class, r := range cfg.FareRates {
		rates[models.VehicleClass(class)] = fare.Rate{Base: r[0], PerKm: r[1], PerMinute: r[2]}
	}

	rideSvc := ride.NewService(rideStore, captainStore, logger)
	coord := coordinator.New(rideSvc, fare.New(rates), geocoder, router, index, notifier, gateway,
		coordinator.Options{
			OTPDigits:    cfg.OTPDigits,
			RadiusMeters: cfg.DispatchRadiusMeters,
		}, logger)

	srv := httpapi.NewServer(coord, index, captainStore, producer, wsreg, ors, reportStore, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	files, _ := filepath.Glob(filepath.Join("migrations", "*.sql"))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			log.Printf("migration read error: %v", err)
			continue
		}
		if _, err := db.Exec(string(b)); err != nil {
			log.Printf("migration exec error (%s): %v", f, err)
			continue
		}
		logger.Info("migration applied", "file", f)
	}
}

// unresolvedGeocoder rejects every address; it stands in when no provider
// key is configured so createRide fails loudly instead of guessing.
type unresolvedGeocoder struct{}

func (unresolvedGeocoder) Resolve(_ context.Context, _ string) (models.Coord, error) {
	return models.Coord{}, maps.ErrNotFound
}
