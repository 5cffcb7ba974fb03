package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
	"github.com/JonMunkholm/obd2ingest/internal/config"
	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/diagnostic"
	"github.com/JonMunkholm/obd2ingest/internal/logging"
	"github.com/JonMunkholm/obd2ingest/internal/mapper"
	"github.com/JonMunkholm/obd2ingest/internal/queue"
	"github.com/JonMunkholm/obd2ingest/internal/store"
)

type commandContext struct {
	configFlag *string
	logLevel   *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevel *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		logLevel:   logLevel,
	}
}

// ensureConfig loads configuration once and points logging at stderr so
// reports on stdout stay machine readable.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		var cfg *config.Config
		var err error
		if path := strings.TrimSpace(*c.configFlag); path != "" {
			cfg, err = config.LoadFile(path)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			c.configErr = err
			return
		}
		if lvl := strings.TrimSpace(*c.logLevel); lvl != "" {
			cfg.Logging.Level = lvl
		}
		logging.SetupWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) cfg() *config.Config {
	return c.config
}

// connect opens the Postgres pool. Only commands that need it call this.
func (c *commandContext) connect(ctx context.Context) (*pgxpool.Pool, error) {
	db := c.cfg().Database
	if err := db.RequireURL(); err != nil {
		return nil, err
	}
	return store.Connect(ctx, store.PoolOptions{
		URL:             db.URL,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
		MaxConnIdleTime: db.MaxConnIdleTime,
		ConnectTimeout:  db.ConnectTimeout,
		Migrate:         db.Migrate,
	})
}

func (c *commandContext) withDB(ctx context.Context, fn func(*pgxpool.Pool) error) error {
	pool, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(pool)
}

func (c *commandContext) withQueue(fn func(*queue.Store) error) error {
	qs, err := queue.Open(c.cfg().Queue.Path)
	if err != nil {
		return err
	}
	defer qs.Close()
	return fn(qs)
}

// loadCatalog resolves the configured catalog source. pool may be nil
// unless the source is postgres.
func (c *commandContext) loadCatalog(ctx context.Context, pool *pgxpool.Pool) (*catalog.Catalog, error) {
	src := c.cfg().Catalog
	switch strings.ToLower(src.Source) {
	case "file":
		return catalog.LoadFile(src.File)
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("catalog source postgres needs a database connection")
		}
		return store.NewCatalogStore(pool).LoadCatalog(ctx)
	default:
		return catalog.Default()
	}
}

func (c *commandContext) parserConfig() (core.ParserConfig, error) {
	cfg := c.cfg()
	loc, err := cfg.Parser.Location()
	if err != nil {
		return core.ParserConfig{}, fmt.Errorf("parser timezone: %w", err)
	}
	return core.ParserConfig{
		BatchSize:     cfg.Ingest.BatchSize,
		SampleRows:    cfg.Ingest.SampleRows,
		ProgressEvery: cfg.Ingest.ProgressEvery,
		Sentinel:      cfg.Parser.Sentinel,
		SentinelScope: core.SentinelScope(strings.ToLower(cfg.Parser.SentinelScope)),
		DeviceLayout:  cfg.Parser.DeviceLayout,
		GPSLayout:     cfg.Parser.GPSLayout,
		Location:      loc,
	}, nil
}

func (c *commandContext) policy() diagnostic.Policy {
	v := c.cfg().Validation
	return diagnostic.Policy{
		MinValidRate:          v.MinValidRate,
		RPMSpeedMinValidRate:  v.RPMSpeedMinValidRate,
		GPSMinValidRate:       v.GPSMinValidRate,
		TemperatureMinNonZero: v.TemperatureMinNonZero,
		O2MinNonZero:          v.O2MinNonZero,
		ErrorTolerance:        v.ErrorTolerance,
		ErrorValues:           v.ErrorValues,
		CorrelationThreshold:  v.CorrelationThreshold,
	}
}

// pipeline is the wired ingest stack.
type pipeline struct {
	catalog *catalog.Catalog
	parser  *core.Parser
	service *core.Service
	trips   *store.TripStore
}

type parserParts struct {
	catalog   *catalog.Catalog
	mapper    *mapper.Mapper
	validator *diagnostic.Validator
	config    core.ParserConfig
}

func (c *commandContext) parserParts(ctx context.Context, pool *pgxpool.Pool) (parserParts, error) {
	cat, err := c.loadCatalog(ctx, pool)
	if err != nil {
		return parserParts{}, err
	}
	m, err := mapper.NewFromSource(ctx, cat)
	if err != nil {
		return parserParts{}, err
	}
	pcfg, err := c.parserConfig()
	if err != nil {
		return parserParts{}, err
	}
	return parserParts{
		catalog:   cat,
		mapper:    m,
		validator: diagnostic.NewValidator(c.policy(), cat),
		config:    pcfg,
	}, nil
}

// profiler builds a parser that can only Profile. pool is used for the
// catalog alone and may be nil.
func (c *commandContext) profiler(ctx context.Context, pool *pgxpool.Pool) (*core.Parser, error) {
	parts, err := c.parserParts(ctx, pool)
	if err != nil {
		return nil, err
	}
	return core.NewParser(parts.mapper, parts.catalog, parts.validator, nil, nil, parts.config), nil
}

// buildPipeline wires the full ingest stack against Postgres.
func (c *commandContext) buildPipeline(ctx context.Context, pool *pgxpool.Pool) (*pipeline, error) {
	parts, err := c.parserParts(ctx, pool)
	if err != nil {
		return nil, err
	}
	trips := store.NewTripStore(pool)
	parser := core.NewParser(parts.mapper, parts.catalog, parts.validator, store.NewDataPointLoader(pool), trips, parts.config)

	ing := c.cfg().Ingest
	return &pipeline{
		catalog: parts.catalog,
		parser:  parser,
		service: core.NewService(parser, core.NewLimiter(ing.MaxConcurrent, ing.MaxWaitTime), ing.Timeout),
		trips:   trips,
	}, nil
}

// needsDBForCatalog reports whether even offline commands must connect.
func (c *commandContext) needsDBForCatalog() bool {
	return strings.EqualFold(c.cfg().Catalog.Source, "postgres")
}
