package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP       HTTP       `envPrefix:"HTTP_"`
		Logger     Logger     `envPrefix:"LOGGER_"`
		Telemetry  Telemetry  `envPrefix:"TELEMETRY_"`
		Downloader Downloader `envPrefix:"DOWNLOADER_"`
		Store      Store      `envPrefix:"STORE_"`
		Redis      Redis      `envPrefix:"REDIS_"`
		Sources    Sources    `env:"SOURCES" validate:"dive"`
	}

	HTTP struct {
		Server Server `envPrefix:"SERVER_"`
	}

	Server struct {
		Port         string        `env:"PORT" envDefault:"8080"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level string `env:"LEVEL,required,notEmpty" validate:"oneof=debug info warn error"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"guide-helper-tileloader"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"otel-collector.observability.svc.cluster.local:4317"`
	}

	Downloader struct {
		Backend    string        `env:"BACKEND" envDefault:"pooled" validate:"oneof=pooled reactive"`
		MaxWorkers int           `env:"MAX_WORKERS" envDefault:"5" validate:"min=1"`
		CapTime    time.Duration `env:"CAP_TIME" envDefault:"64ms" validate:"gt=0"`
		Timeout    time.Duration `env:"TIMEOUT" envDefault:"5s" validate:"gt=0"`
		CacheDir   string        `env:"CACHE_DIR" envDefault:"cache" validate:"required"`
		UserAgent  string        `env:"USER_AGENT" envDefault:"GuideHelper-tileloader/1.0 (https://github.com/jaennil/guide_helper)"`
		FrameRate  int           `env:"FRAME_RATE" envDefault:"60" validate:"min=1,max=240"`
	}

	Store struct {
		Kind       string `env:"KIND" envDefault:"none" validate:"oneof=none memory redis sqlite"`
		SQLitePath string `env:"SQLITE_PATH" envDefault:"tiles.db"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}

	// SourceSpec describes a tile provider:
	// id|url|subdomains|minzoom|maxzoom|ext[|tms]. A trailing tms flag marks a
	// provider that counts rows from the bottom.
	SourceSpec struct {
		ID         string   `validate:"required"`
		URL        string   `validate:"required,contains={z}"`
		Subdomains []string
		MinZoom    int      `validate:"min=0"`
		MaxZoom    int      `validate:"gtefield=MinZoom,max=30"`
		ImageExt   string   `validate:"required"`
		InvertY    bool
	}

	Sources []SourceSpec
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// UnmarshalText parses `;`-separated source specs.
func (s *Sources) UnmarshalText(text []byte) error {
	var out Sources
	for _, raw := range strings.Split(string(text), ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		spec, err := parseSourceSpec(raw)
		if err != nil {
			return err
		}
		out = append(out, spec)
	}

	*s = out
	return nil
}

func parseSourceSpec(raw string) (SourceSpec, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 6 && len(parts) != 7 {
		return SourceSpec{}, fmt.Errorf("source %q: expected 6 or 7 fields, got %d", raw, len(parts))
	}

	var invertY bool
	if len(parts) == 7 {
		switch strings.ToLower(strings.TrimSpace(parts[6])) {
		case "tms":
			invertY = true
		case "", "xyz":
		default:
			return SourceSpec{}, fmt.Errorf("source %q: unknown row scheme %q", parts[0], parts[6])
		}
	}

	minZoom, err := strconv.Atoi(parts[3])
	if err != nil {
		return SourceSpec{}, fmt.Errorf("source %q: min zoom: %w", parts[0], err)
	}

	maxZoom, err := strconv.Atoi(parts[4])
	if err != nil {
		return SourceSpec{}, fmt.Errorf("source %q: max zoom: %w", parts[0], err)
	}

	var subdomains []string
	if parts[2] != "" {
		subdomains = strings.Split(parts[2], ",")
	}

	return SourceSpec{
		ID:         parts[0],
		URL:        parts[1],
		Subdomains: subdomains,
		MinZoom:    minZoom,
		MaxZoom:    maxZoom,
		ImageExt:   parts[5],
		InvertY:    invertY,
	}, nil
}
