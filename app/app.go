package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"optiver-forecast/api"
	"optiver-forecast/cache"
	"optiver-forecast/client"
	"optiver-forecast/config"
	"optiver-forecast/dashboard"
	"optiver-forecast/database"
	"optiver-forecast/database/datemappings"
	"optiver-forecast/database/jobs"
	"optiver-forecast/dates"
	"optiver-forecast/handlers"
	"optiver-forecast/ingest"
	"optiver-forecast/logger"
	"optiver-forecast/notifications"
	"optiver-forecast/objectstore"
	"optiver-forecast/realtime"
	"optiver-forecast/secrets"
	"optiver-forecast/stream"
	"optiver-forecast/training"
	"optiver-forecast/websocket"
)

// Stream sources accepted by RunStream.
const (
	SourceKafka     = "kafka"
	SourceWebsocket = "websocket"
)

// App owns the shared resources of every command. Resources are opened on
// first use and released by Close.
type App struct {
	config *config.Config
	log    *logger.Logger

	// gcsCreds holds the service account key from the secrets bundle, if any
	gcsCreds []byte

	mu         sync.Mutex
	db         *database.Database
	redis      *cache.RedisClient
	redisTried bool
	dateCache  *cache.DateMappingCache
	store      objectstore.Store
	calendar   *dates.Calendar
}

// New creates a new application instance. When a secrets bundle is
// configured its values are applied to cfg before anything connects.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}
	a := &App{config: cfg, log: log}

	if cfg.Secrets.BundleFile != "" {
		bundle, err := secrets.LoadBundle(cfg.Secrets.BundleFile)
		if err != nil {
			return nil, err
		}
		creds, err := bundle.Apply(cfg)
		if err != nil {
			return nil, err
		}
		a.gcsCreds = creds
		log.Info("Secrets bundle applied", logger.NewField("secrets", bundle.Names()))
	}
	return a, nil
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config {
	return a.config
}

// Database connects on first use.
func (a *App) Database() (*database.Database, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return a.db, nil
	}

	a.log.Info("Connecting to database", logger.NewField("driver", a.config.Database.Driver))
	db, err := database.Open(a.config.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

// Migrate connects and creates or updates the schema.
func (a *App) Migrate() error {
	db, err := a.Database()
	if err != nil {
		return err
	}
	if err := db.Migrate(); err != nil {
		return err
	}
	a.log.Info("Database schema ready")
	return nil
}

// Redis returns the shared client, or nil when Redis is disabled or
// unreachable. Callers treat nil as "caching disabled".
func (a *App) Redis() *cache.RedisClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redisTried || !a.config.Redis.Enabled {
		return a.redis
	}
	a.redisTried = true

	rc, err := cache.NewRedisClient(a.config.Redis, a.log)
	if err != nil {
		a.log.Warn("Redis connection failed, caching disabled", logger.NewField("error", err.Error()))
		return nil
	}
	a.redis = rc
	return rc
}

// DateCache returns the date mapping cache shared by every resolver and the
// API server, so a mapping forgotten after a delete is gone for all of them.
func (a *App) DateCache() *cache.DateMappingCache {
	rc := a.Redis()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dateCache == nil {
		a.dateCache = cache.NewDateMappingCache(rc, a.log)
	}
	return a.dateCache
}

// Calendar builds the exchange calendar once. Holidays are loaded for a
// window wide enough to cover every date id.
func (a *App) Calendar() (*dates.Calendar, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calendar != nil {
		return a.calendar, nil
	}

	year := time.Now().Year()
	span := a.config.Dates.NumDateIDs/250 + 1
	cal, err := dates.CountryCalendar(a.config.Dates.HolidayCountry, year-span, year+1)
	if err != nil {
		return nil, err
	}
	a.calendar = cal
	return cal, nil
}

// Resolver builds a date resolver using the named offset variant.
func (a *App) Resolver(db *database.Database, variant string) (*dates.Resolver, error) {
	v, err := dates.ParseVariant(variant)
	if err != nil {
		return nil, err
	}
	cal, err := a.Calendar()
	if err != nil {
		return nil, err
	}

	opts := dates.Options{
		TotalIDs: a.config.Dates.NumDateIDs,
		Variant:  v,
		Calendar: cal,
		Cache:    a.DateCache(),
		Logger:   a.log,
	}
	return dates.NewResolver(datemappings.NewRepository(db.DB()), opts), nil
}

// ObjectStore opens the configured artifact store on first use.
func (a *App) ObjectStore(ctx context.Context) (objectstore.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		return a.store, nil
	}

	store, err := objectstore.New(ctx, a.config.ObjectStore, a.gcsCreds, a.log)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// ingestService wires the ingest path with the ingest offset variant.
func (a *App) ingestService(db *database.Database) (*ingest.Service, error) {
	resolver, err := a.Resolver(db, a.config.Dates.IngestOffset)
	if err != nil {
		return nil, err
	}
	return ingest.NewService(db.DB(), resolver, a.log), nil
}

// Migrated connects and migrates, returning the database.
func (a *App) Migrated() (*database.Database, error) {
	if err := a.Migrate(); err != nil {
		return nil, err
	}
	return a.Database()
}

// ServeAPI runs the data service until ctx is done.
func (a *App) ServeAPI(ctx context.Context) error {
	srv, err := a.apiServer()
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// apiServer wires the data service: ingest uses the ingest offset variant,
// lookups the API variant, and both share the date cache.
func (a *App) apiServer() (*api.Server, error) {
	db, err := a.Migrated()
	if err != nil {
		return nil, err
	}
	svc, err := a.ingestService(db)
	if err != nil {
		return nil, err
	}
	resolver, err := a.Resolver(db, a.config.Dates.APIOffset)
	if err != nil {
		return nil, err
	}

	return api.NewServer(a.config.API, api.Deps{
		DB:        db.DB(),
		Ingest:    svc.WithSource("api"),
		Resolver:  resolver,
		DateCache: a.DateCache(),
		Logger:    a.log,
	}), nil
}

// RunTrainer runs the job service: the worker pool, the live event broker
// and the HTTP server. It returns when ctx is done or any of them fails.
func (a *App) RunTrainer(ctx context.Context) error {
	db, err := a.Migrated()
	if err != nil {
		return err
	}
	store, err := a.ObjectStore(ctx)
	if err != nil {
		return err
	}

	tc := a.config.Trainer
	httpClient := client.NewClient(tc.BaseAPI,
		client.WithRateLimit(tc.RateLimit),
		client.WithLogger(a.log),
	)
	pipeline := training.NewPipeline(client.NewDataAPI(httpClient, tc), store, tc, a.log)

	broker := realtime.NewBroker(a.log)
	opts := training.RunnerOptions{
		Workers:     tc.Workers,
		QueueSize:   tc.QueueSize,
		Broadcaster: broker,
		Logger:      a.log,
	}
	if rc := a.Redis(); rc != nil {
		opts.Publisher = rc
	}
	if wm := notifications.NewWebhookManager(a.config.Notifications, a.log); wm.Enabled() {
		opts.Notifier = wm
	}
	runner := training.NewRunner(jobs.NewRepository(db.DB()), pipeline, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		broker.Run(gctx)
		return nil
	})
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		return api.NewTrainerServer(tc, db.DB(), runner, broker, a.log).Start(gctx)
	})
	return g.Wait()
}

// IngestCSV loads a CSV file through the ingest path.
func (a *App) IngestCSV(ctx context.Context, path string, opts ingest.CSVOptions) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	db, err := a.Migrated()
	if err != nil {
		return 0, err
	}
	svc, err := a.ingestService(db)
	if err != nil {
		return 0, err
	}
	n, err := svc.WithSource("csv").LoadCSV(ctx, f, opts)
	a.log.Info("CSV ingest finished",
		logger.NewField("file", path),
		logger.NewField("rows", n),
		logger.NewField("commit", opts.Commit),
	)
	return n, err
}

// RunStream consumes live ticks from source until ctx is done.
func (a *App) RunStream(ctx context.Context, source string) error {
	db, err := a.Migrated()
	if err != nil {
		return err
	}
	svc, err := a.ingestService(db)
	if err != nil {
		return err
	}
	hm := handlers.NewHandlerManager(a.log)
	hm.RegisterHandler(handlers.NewTickHandler(svc.WithSource(source), a.log))

	switch source {
	case SourceKafka:
		consumer := stream.NewConsumer(stream.NewKafkaReader(a.config.Kafka), hm, a.log)
		defer consumer.Close()
		a.log.Info("Consuming ticks from Kafka",
			logger.NewField("topic", a.config.Kafka.Topic),
			logger.NewField("group", a.config.Kafka.GroupID),
		)
		return consumer.Run(ctx)
	case SourceWebsocket:
		if a.config.Feed.URL == "" {
			return errors.New("FEED_URL is required for the websocket source")
		}
		return websocket.NewConnectionManager(a.config.Feed, hm, a.log).Run(ctx)
	default:
		return fmt.Errorf("unknown stream source %q", source)
	}
}

// Produce replays a CSV file onto the Kafka topic.
func (a *App) Produce(ctx context.Context, path string, perSecond float64, trainType string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	p := stream.NewProducer(stream.NewKafkaWriter(a.config.Kafka), perSecond, a.log)
	defer p.Close()
	return p.Replay(ctx, f, trainType)
}

// Dashboard builds the terminal dashboard writing to out. It reads through
// the data service, like any other client.
func (a *App) Dashboard(ctx context.Context, out io.Writer) (*dashboard.Dashboard, error) {
	variant, err := dates.ParseVariant(a.config.Dates.DashboardOffset)
	if err != nil {
		return nil, err
	}
	cal, err := a.Calendar()
	if err != nil {
		return nil, err
	}
	store, err := a.ObjectStore(ctx)
	if err != nil {
		return nil, err
	}

	tc := a.config.Trainer
	src := client.NewDataAPI(client.NewClient(tc.BaseAPI, client.WithLogger(a.log)), tc)
	return dashboard.New(src, store, dashboard.Options{
		TotalIDs:    a.config.Dates.NumDateIDs,
		Variant:     variant,
		Calendar:    cal,
		ArtifactDir: tc.ArtifactDir,
	}, out, a.log), nil
}

// Close releases every opened resource and wipes secrets from memory. It
// gives up after 10 seconds.
func (a *App) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		var errs []error
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		if a.redis != nil {
			a.log.Info("Closing Redis connection")
			errs = append(errs, a.redis.Close())
		}
		if a.db != nil {
			a.log.Info("Closing database connection")
			errs = append(errs, a.db.Close())
		}
		done <- errors.Join(errs...)
	}()

	var err error
	select {
	case err = <-done:
	case <-shutdownCtx.Done():
		err = errors.New("shutdown timeout exceeded")
	}
	secrets.Purge()
	_ = a.log.Sync()
	return err
}
