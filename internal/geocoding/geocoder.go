package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"appraisal/server/internal/models"
)

// ErrNoResult is returned when the geocoding service knows no such address
var ErrNoResult = errors.New("address not found")

const cacheFileName = "geocode_cache.json"

// Geocoder resolves free-form addresses to coordinates through a
// Nominatim-compatible search endpoint. Results are cached in memory and,
// when a cache directory is configured, on disk.
type Geocoder struct {
	logger      *logrus.Logger
	baseURL     string
	countryCode string
	userAgent   string
	cacheDir    string
	cache       map[string][2]float64
	cacheLock   sync.RWMutex
	client      *http.Client

	// minimum spacing between upstream requests
	interval    time.Duration
	throttle    sync.Mutex
	lastRequest time.Time
}

type Options struct {
	BaseURL     string
	CountryCode string
	UserAgent   string
	CacheDir    string
	Interval    time.Duration
	Timeout     time.Duration
}

func NewGeocoder(opts Options, logger *logrus.Logger) *Geocoder {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "appraisal-server/1.0"
	}

	g := &Geocoder{
		logger:      logger,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		countryCode: opts.CountryCode,
		userAgent:   opts.UserAgent,
		cacheDir:    opts.CacheDir,
		cache:       make(map[string][2]float64),
		client:      &http.Client{Timeout: opts.Timeout},
		interval:    opts.Interval,
	}

	if g.cacheDir != "" {
		if err := os.MkdirAll(g.cacheDir, 0o755); err != nil {
			logger.WithError(err).Warn("Geocode cache directory unavailable")
			g.cacheDir = ""
		} else {
			g.loadCache()
		}
	}
	return g
}

func (g *Geocoder) loadCache() {
	data, err := os.ReadFile(filepath.Join(g.cacheDir, cacheFileName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			g.logger.WithError(err).Warn("Could not load geocode cache")
		}
		return
	}

	if err := json.Unmarshal(data, &g.cache); err != nil {
		g.logger.WithError(err).Error("Failed to parse geocode cache")
		g.cache = make(map[string][2]float64)
		return
	}
	g.logger.Infof("Loaded %d cached addresses", len(g.cache))
}

func (g *Geocoder) saveCache() {
	g.cacheLock.RLock()
	data, err := json.Marshal(g.cache)
	g.cacheLock.RUnlock()
	if err != nil {
		g.logger.WithError(err).Error("Failed to marshal geocode cache")
		return
	}

	if err := os.WriteFile(filepath.Join(g.cacheDir, cacheFileName), data, 0o644); err != nil {
		g.logger.WithError(err).Error("Failed to save geocode cache")
	}
}

type nominatimResponse []struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode returns the latitude and longitude of address
func (g *Geocoder) Geocode(ctx context.Context, address string) (float64, float64, error) {
	cacheKey := models.NormalizeKey(address)
	if cacheKey == "" {
		return 0, 0, fmt.Errorf("empty address: %w", ErrNoResult)
	}

	g.cacheLock.RLock()
	coords, ok := g.cache[cacheKey]
	g.cacheLock.RUnlock()
	if ok {
		g.logger.WithFields(logrus.Fields{
			"address":   address,
			"latitude":  coords[0],
			"longitude": coords[1],
			"source":    "cache",
		}).Debug("Found coordinates in cache")
		return coords[0], coords[1], nil
	}

	if err := g.wait(ctx); err != nil {
		return 0, 0, err
	}

	params := url.Values{
		"q":      []string{address},
		"format": []string{"json"},
		"limit":  []string{"1"},
	}
	if g.countryCode != "" {
		params.Set("countrycodes", g.countryCode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/search", nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.WithError(err).WithField("address", address).Error("Geocoding request failed")
		return 0, 0, fmt.Errorf("geocoding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("geocoding request failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read response: %w", err)
	}

	var result nominatimResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result) == 0 {
		g.logger.WithField("address", address).Warn("No results found")
		return 0, 0, fmt.Errorf("%s: %w", address, ErrNoResult)
	}

	lat, err := strconv.ParseFloat(result[0].Lat, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(result[0].Lon, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse longitude: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"address":   address,
		"latitude":  lat,
		"longitude": lon,
		"source":    "upstream",
	}).Info("Successfully geocoded address")

	g.cacheLock.Lock()
	g.cache[cacheKey] = [2]float64{lat, lon}
	g.cacheLock.Unlock()

	if g.cacheDir != "" {
		g.saveCache()
	}
	return lat, lon, nil
}

// wait spaces upstream requests at least interval apart
func (g *Geocoder) wait(ctx context.Context) error {
	g.throttle.Lock()
	defer g.throttle.Unlock()

	if delay := g.interval - time.Since(g.lastRequest); g.interval > 0 && delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	g.lastRequest = time.Now()
	return nil
}
