package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"

	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

type Config struct {
	Server struct {
		Port int `env:"PORT" envDefault:"5250"`

		// Origins allowed by CORS; "*" allows any origin
		AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
	}

	Database struct {
		// Path of the sqlite file holding formulas, districts and audit runs
		Path string `env:"DB_PATH" envDefault:"database/appraisal.db"`

		// Where coefficient snapshots are loaded from: sqlite or postgres
		CoefficientSource string `env:"COEFFICIENT_SOURCE" envDefault:"sqlite"`

		// Read-only Postgres holding formulas maintained elsewhere
		PostgresDSN string `env:"POSTGRES_DSN"`
	}

	Redis struct {
		// Result caching is disabled when empty
		Addr     string        `env:"REDIS_ADDR"`
		Password string        `env:"REDIS_PASSWORD"`
		DB       int           `env:"REDIS_DB" envDefault:"0"`
		TTL      time.Duration `env:"CACHE_TTL" envDefault:"10m"`
	}

	Geocoder struct {
		// Nominatim-compatible endpoint; address lookups are disabled when empty
		URL         string        `env:"GEOCODER_URL"`
		CountryCode string        `env:"GEOCODER_COUNTRY_CODES"`
		CacheDir    string        `env:"GEOCODER_CACHE_DIR"`
		Interval    time.Duration `env:"GEOCODER_INTERVAL" envDefault:"1s"`
	}

	Snapshot struct {
		// Interval between automatic refreshes; 0 disables them
		RefreshInterval time.Duration `env:"SNAPSHOT_REFRESH_INTERVAL" envDefault:"5m"`

		// Seed file imported at startup when set
		SeedFile string `env:"SEED_FILE"`
	}

	// BatchProcessing configures the audit run writer
	BatchProcessing struct {
		// Maximum number of runs to accumulate before writing
		MaxBatchSize int `env:"BATCH_MAX_SIZE" envDefault:"100"`

		// Maximum time to wait before writing a non-full batch (in seconds)
		MaxBatchWaitTime int `env:"BATCH_WAIT_TIME" envDefault:"30"`

		// Number of batches the queue buffers
		QueueSize int `env:"BATCH_QUEUE_SIZE" envDefault:"64"`

		// Maximum number of retries for failed batches
		MaxRetries int `env:"BATCH_MAX_RETRIES" envDefault:"3"`

		// Delay between retries in seconds
		RetryDelay int `env:"BATCH_RETRY_DELAY" envDefault:"5"`
	}

	Valuation struct {
		WeightSalesComparison float64 `env:"WEIGHT_SALES_COMPARISON" envDefault:"0.5"`
		WeightCost            float64 `env:"WEIGHT_COST" envDefault:"0.35"`
		WeightIncome          float64 `env:"WEIGHT_INCOME" envDefault:"0.15"`

		DefaultEconomicLife float64 `env:"DEFAULT_ECONOMIC_LIFE" envDefault:"60"`

		// Entries of the form construction_type:years
		EconomicLifeByConstruction []string `env:"ECONOMIC_LIFE_BY_CONSTRUCTION" envSeparator:","`

		LandShareRatio float64 `env:"LAND_SHARE_RATIO" envDefault:"0.25"`

		// Entries of the form location_or_area_type:price_per_sqm
		FallbackLandPrices []string `env:"FALLBACK_LAND_PRICES" envSeparator:","`

		DefaultCapRatePct    float64 `env:"DEFAULT_CAP_RATE_PCT" envDefault:"8"`
		MaxComparables       int     `env:"MAX_COMPARABLES" envDefault:"3"`
		AdjustmentThreshold  float64 `env:"ADJUSTMENT_THRESHOLD_PCT" envDefault:"25"`
		OutlierPenalty       float64 `env:"OUTLIER_PENALTY" envDefault:"0.25"`
		ConsistencyTolerance float64 `env:"COMPARABLE_CONSISTENCY_TOLERANCE" envDefault:"0.01"`
		UnknownSaleMonths    float64 `env:"UNKNOWN_SALE_MONTHS" envDefault:"12"`
	}

	Log struct {
		Level string `env:"LOG_LEVEL" envDefault:"info"`
	}
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.Database.CoefficientSource != "sqlite" && cfg.Database.CoefficientSource != "postgres" {
		return nil, fmt.Errorf("unknown COEFFICIENT_SOURCE %q", cfg.Database.CoefficientSource)
	}
	if cfg.Database.CoefficientSource == "postgres" && cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required when COEFFICIENT_SOURCE is postgres")
	}
	return cfg, nil
}

// EngineSettings builds the valuation settings from the environment values
func (c *Config) EngineSettings() (valuation.Settings, error) {
	v := c.Valuation
	s := valuation.Settings{
		Weights: valuation.Weights{
			SalesComparison: v.WeightSalesComparison,
			Cost:            v.WeightCost,
			Income:          v.WeightIncome,
		},
		DefaultEconomicLife:  v.DefaultEconomicLife,
		LandShareRatio:       v.LandShareRatio,
		DefaultCapRatePct:    v.DefaultCapRatePct,
		MaxComparables:       v.MaxComparables,
		AdjustmentThreshold:  v.AdjustmentThreshold,
		OutlierPenalty:       v.OutlierPenalty,
		ConsistencyTolerance: v.ConsistencyTolerance,
		UnknownSaleMonths:    v.UnknownSaleMonths,
	}
	if s.Weights.SalesComparison < 0 || s.Weights.Cost < 0 || s.Weights.Income < 0 {
		return valuation.Settings{}, fmt.Errorf("method weights must not be negative")
	}

	var err error
	if s.EconomicLifeByConstruction, err = parsePairs(v.EconomicLifeByConstruction); err != nil {
		return valuation.Settings{}, fmt.Errorf("ECONOMIC_LIFE_BY_CONSTRUCTION: %w", err)
	}
	if s.FallbackLandPrices, err = parsePairs(v.FallbackLandPrices); err != nil {
		return valuation.Settings{}, fmt.Errorf("FALLBACK_LAND_PRICES: %w", err)
	}
	return s, nil
}

// parsePairs reads "key:value" entries into a map
func parsePairs(entries []string) (map[string]float64, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		i := strings.LastIndex(entry, ":")
		if i <= 0 {
			return nil, fmt.Errorf("invalid entry %q, expected key:value", entry)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(entry[i+1:]), 64)
		if err != nil || value <= 0 {
			return nil, fmt.Errorf("invalid value in %q", entry)
		}
		out[models.NormalizeKey(entry[:i])] = value
	}
	return out, nil
}

// NewLogger creates the JSON logger used by the binaries
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		logger.WithField("level", c.Log.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
