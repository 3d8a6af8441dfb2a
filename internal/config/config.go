package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	ORSEndpoint string
	ORSAPIKey   string

	StripeAPIKey string
	PushEndpoint string
	PushKey      string

	DispatchRadiusMeters float64
	OTPDigits            int
	FareRates            map[string][3]float64 // class -> base, perKm, perMinute
	FallbackSpeedMps     float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "captains_geo",
		KafkaTopic:           "captain-locations",
		ORSEndpoint:          "https://api.openrouteservice.org",
		DispatchRadiusMeters: 50000,
		OTPDigits:            6,
		FallbackSpeedMps:     10,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.ORSEndpoint, "ORS_ENDPOINT")
	cfg.ORSAPIKey = os.Getenv("ORS_API_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setFloatFromEnv(&cfg.DispatchRadiusMeters, "DISPATCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.OTPDigits, "OTP_DIGITS", &errs)
	setFloatFromEnv(&cfg.FallbackSpeedMps, "FALLBACK_SPEED_MPS", &errs)

	if v := os.Getenv("FARE_RATES"); v != "" {
		rates, err := parseFareRates(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.FareRates = rates
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DispatchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_M must be > 0"))
	}
	if cfg.OTPDigits < 1 || cfg.OTPDigits > 18 {
		errs = append(errs, fmt.Errorf("OTP_DIGITS must be in [1,18]"))
	}

	return cfg, errors.Join(errs...)
}

// parseFareRates reads "auto:30/10/2,car:50/15/3,moto:20/8/1.5".
func parseFareRates(v string) (map[string][3]float64, error) {
	out := make(map[string][3]float64)
	for _, entry := range splitAndTrim(v) {
		class, rates, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid FARE_RATES entry %q", entry)
		}
		parts := strings.Split(rates, "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid FARE_RATES entry %q", entry)
		}
		var rate [3]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid FARE_RATES entry %q: %w", entry, err)
			}
			rate[i] = f
		}
		out[strings.TrimSpace(class)] = rate
	}
	return out, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
