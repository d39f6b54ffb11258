// Package di wires the application graph explicitly. Wire builds every
// component in dependency order; main owns start and shutdown.
package di

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/aggregation"
	"github.com/aristath/tradewire/internal/archive"
	"github.com/aristath/tradewire/internal/auth"
	"github.com/aristath/tradewire/internal/brokers"
	"github.com/aristath/tradewire/internal/brokers/alpaca"
	"github.com/aristath/tradewire/internal/brokers/ib"
	"github.com/aristath/tradewire/internal/brokers/paper"
	"github.com/aristath/tradewire/internal/clock"
	"github.com/aristath/tradewire/internal/config"
	"github.com/aristath/tradewire/internal/database"
	"github.com/aristath/tradewire/internal/domain"
	"github.com/aristath/tradewire/internal/events"
	"github.com/aristath/tradewire/internal/hub"
	"github.com/aristath/tradewire/internal/idempotency"
	"github.com/aristath/tradewire/internal/lifecycle"
	"github.com/aristath/tradewire/internal/marketdata"
	"github.com/aristath/tradewire/internal/scanner"
	"github.com/aristath/tradewire/internal/scheduler"
	"github.com/aristath/tradewire/internal/store"
	"github.com/aristath/tradewire/internal/webhooks"
)

// Container holds the wired application graph.
type Container struct {
	Cfg    *config.Config
	Log    zerolog.Logger
	Clock  clock.Clock
	Minter clock.Minter

	Bus       *events.Bus
	Databases []*database.DB
	Entities  domain.EntityStore
	Journal   *store.Journal

	Idem   *idempotency.Store
	Engine *lifecycle.Engine

	Registry *brokers.Registry
	Paper    *paper.Adapter
	Intake   *webhooks.Intake

	Hub     *hub.Hub
	Market  *marketdata.Service
	Quotes  domain.QuoteSource
	Pump    *marketdata.QuotePump
	Scanner *scanner.Engine

	Reliability *aggregation.ReliabilityTracker
	Agg         *aggregation.Service

	Verifier *auth.Verifier
	Gate     domain.FeatureGate

	Scheduler *scheduler.Scheduler
	Archiver  *archive.Archiver
}

// Wire builds the graph from config. Components are constructed but not
// started; Start/Close handle lifecycle.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		Cfg:    cfg,
		Log:    log,
		Clock:  clock.NewSystem(),
		Minter: clock.NewMinter(),
	}
	c.Bus = events.NewBus(log)

	if err := c.wireStores(); err != nil {
		return nil, err
	}
	c.Idem = idempotency.New(c.idemBackend(), c.Clock, cfg.IdempotencyTTL, log)

	var journalSink lifecycle.JournalSink
	if c.Journal != nil {
		journalSink = c.Journal
	}
	c.Engine = lifecycle.NewEngine(c.Bus, c.Clock, c.Minter, journalSink, log)

	c.wireMarketData()
	if err := c.wireBrokers(); err != nil {
		return nil, err
	}

	c.Intake = webhooks.New(c.Registry, c.Engine, c.Bus, log)
	c.Paper.SetSink(c.Intake)

	c.Hub = hub.New(cfg.Hub, c.Clock, log)
	c.Hub.AttachBus(c.Bus)

	var err error
	c.Scanner, err = scanner.New(cfg.Scanner, c.Market, c.Bus, c.Clock, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build scanner: %w", err)
	}
	c.Scanner.SetPresence(c.Hub)

	c.Reliability = aggregation.NewReliabilityTracker(c.Entities, log)
	c.Agg = aggregation.New(cfg.Agg, c.Reliability, c.Clock, log)
	c.Agg.SetWatchlist(aggregation.NewStaticWatchlist(cfg.Agg.Watchlist))
	c.Agg.SetPortfolio(aggregation.NewBrokerPortfolio(c.Paper, paper.DefaultAccountID, 30*time.Second))
	if sectors, ok := c.Quotes.(domain.SectorSource); ok {
		c.Agg.SetSectors(sectors)
	}

	c.Verifier = auth.NewVerifier(cfg.AuthSecret, cfg.AuthDisable, log)
	c.Gate = auth.PermissiveGate{}

	if cfg.Archive.Enabled() {
		c.Archiver, err = archive.New(context.Background(), cfg.Archive, cfg.DataDir, c.Clock, log)
		if err != nil {
			return nil, fmt.Errorf("failed to build archiver: %w", err)
		}
	}

	if err := c.wireScheduler(); err != nil {
		return nil, err
	}
	return c, nil
}

// wireStores opens SQLite-backed persistence when a store path is set and
// falls back to in-memory otherwise.
func (c *Container) wireStores() error {
	if c.Cfg.StorePath == "" {
		c.Entities = store.NewMemoryEntityStore()
		return nil
	}

	entitiesDB, err := database.New(database.Config{
		Path:    c.Cfg.StorePath,
		Profile: database.ProfileStandard,
		Name:    "entities",
	})
	if err != nil {
		return fmt.Errorf("failed to open entity database: %w", err)
	}
	c.Databases = append(c.Databases, entitiesDB)

	c.Entities, err = store.NewSQLiteEntityStore(entitiesDB)
	if err != nil {
		return fmt.Errorf("failed to build entity store: %w", err)
	}

	journalDB, err := database.New(database.Config{
		Path:    filepath.Join(filepath.Dir(c.Cfg.StorePath), "journal.db"),
		Profile: database.ProfileLedger,
		Name:    "journal",
	})
	if err != nil {
		return fmt.Errorf("failed to open journal database: %w", err)
	}
	c.Databases = append(c.Databases, journalDB)

	c.Journal, err = store.NewJournal(journalDB)
	if err != nil {
		return fmt.Errorf("failed to build journal: %w", err)
	}
	return nil
}

// idemBackend reuses the entity database when one is open.
func (c *Container) idemBackend() idempotency.Backend {
	for _, db := range c.Databases {
		if db.Name() == "entities" {
			if backend, err := store.NewIdempotencyBackend(db); err == nil {
				return backend
			}
			c.Log.Warn().Msg("Falling back to in-memory idempotency backend")
			break
		}
	}
	return idempotency.NewMemoryBackend()
}

func (c *Container) wireMarketData() {
	cache := marketdata.NewSnapshotCache(c.Cfg.Scanner.CacheTTL, c.Log)
	c.Market = marketdata.NewService(cache, c.Log)

	seed := c.Cfg.Paper.Seed
	stocks := marketdata.NewSimProvider(domain.AssetStock, c.Clock, seed)
	c.Market.Register(stocks)
	c.Market.Register(marketdata.NewSimProvider(domain.AssetETF, c.Clock, seed))
	c.Market.Register(marketdata.NewSimProvider(domain.AssetCrypto, c.Clock, seed))
	c.Quotes = stocks

	c.Pump = marketdata.NewQuotePump(c.Bus, c.Log)
}

func (c *Container) wireBrokers() error {
	c.Registry = brokers.NewRegistry()
	alert := c.brokerAlert()

	paperBase := brokers.NewBase(brokers.KindPaper, c.Cfg.Broker, c.Clock, c.Minter, c.Log)
	paperBase.SetAlertFunc(alert)
	c.Paper = paper.New(paperBase, c.Cfg.Paper, c.Quotes, c.Log)
	c.Registry.Register(c.Paper)

	if c.Cfg.Alpaca.BaseURL != "" {
		base := brokers.NewBase(brokers.KindAlpaca, c.Cfg.Broker, c.Clock, c.Minter, c.Log)
		base.SetAlertFunc(alert)
		c.Registry.Register(alpaca.New(base, c.Cfg.Alpaca, c.Log))
	}
	if c.Cfg.IB.GatewayURL != "" {
		base := brokers.NewBase(brokers.KindIB, c.Cfg.Broker, c.Clock, c.Minter, c.Log)
		base.SetAlertFunc(alert)
		c.Registry.Register(ib.New(base, c.Cfg.IB, c.Log))
	}
	return nil
}

// brokerAlert fans venue quarantine alerts out on the bus.
func (c *Container) brokerAlert() brokers.AlertFunc {
	return func(severity, message string) {
		c.Bus.EmitData("brokers", &events.AlertData{
			Severity: severity,
			Source:   "brokers",
			Message:  message,
		})
	}
}

func (c *Container) wireScheduler() error {
	c.Scheduler = scheduler.New(c.Log)

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"0 */5 * * * *", &scheduler.IdempotencySweepJob{Store: c.Idem, Log: c.Log}},
		{"30 */10 * * * *", &scheduler.WebhookDedupSweepJob{Intake: c.Intake}},
		{"0 0 * * * *", &scheduler.OrderPruneJob{Engine: c.Engine, Retention: 24 * time.Hour, Log: c.Log}},
		{"0 */15 * * * *", &scheduler.ReliabilityPersistJob{Tracker: c.Reliability}},
	}
	if len(c.Databases) > 0 {
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{"0 30 * * * *", &scheduler.WALCheckpointJob{Databases: c.Databases}})
	}
	if c.Archiver != nil {
		schedule := c.Cfg.Archive.Schedule
		if schedule == "" {
			schedule = "0 0 3 * * *"
		}
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{schedule, &scheduler.ArchiveJob{Archiver: c.Archiver}})
	}

	for _, j := range jobs {
		if err := c.Scheduler.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", j.job.Name(), err)
		}
	}
	return nil
}

// Start brings up background components: reliability state, broker
// connections, the scheduler.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Reliability.Load(ctx); err != nil {
		c.Log.Warn().Err(err).Msg("Failed to load reliability records")
	}
	if err := c.Paper.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect paper venue: %w", err)
	}
	if symbols := c.Cfg.Agg.Watchlist; len(symbols) > 0 {
		quotes, err := c.Paper.StreamQuotes(ctx, symbols)
		if err != nil {
			c.Log.Warn().Err(err).Msg("Failed to stream watchlist quotes")
		} else {
			c.Pump.Attach(quotes)
		}
	}
	c.Scheduler.Start()
	return nil
}

// Close shuts components down in reverse dependency order.
func (c *Container) Close(ctx context.Context) {
	c.Scheduler.Stop()
	c.Pump.Stop()
	c.Scanner.Close()
	c.Hub.Shutdown()
	c.Intake.Drain()
	if err := c.Paper.Disconnect(ctx); err != nil {
		c.Log.Warn().Err(err).Msg("Paper venue disconnect failed")
	}
	if c.Reliability != nil {
		if err := c.Reliability.Persist(ctx); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to persist reliability records")
		}
	}
	for _, db := range c.Databases {
		if err := db.Close(); err != nil {
			c.Log.Warn().Err(err).Str("database", db.Name()).Msg("Database close failed")
		}
	}
}
