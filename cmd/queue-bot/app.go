package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/StationQueue/config"
	"github.com/BearBump/StationQueue/internal/broker/kafka"
	"github.com/BearBump/StationQueue/internal/cache/rediscache"
	"github.com/BearBump/StationQueue/internal/geo"
	"github.com/BearBump/StationQueue/internal/integrations/messenger"
	"github.com/BearBump/StationQueue/internal/integrations/messenger/fake"
	"github.com/BearBump/StationQueue/internal/integrations/messenger/kafkaevents"
	"github.com/BearBump/StationQueue/internal/integrations/messenger/telegramhttp"
	"github.com/BearBump/StationQueue/internal/models"
	"github.com/BearBump/StationQueue/internal/services/dispatcher"
	"github.com/BearBump/StationQueue/internal/services/events"
	"github.com/BearBump/StationQueue/internal/services/queue"
	"github.com/BearBump/StationQueue/internal/services/reconciler"
	"github.com/BearBump/StationQueue/internal/storage/pgqueue"
	"github.com/BearBump/StationQueue/internal/storage/sqlitequeue"
)

// Store is what the bot needs from a presence store; pgqueue and sqlitequeue both provide it.
type Store interface {
	reconciler.Repository
	dispatcher.Repository
	queue.Reader
	GetDriver(ctx context.Context, id int64) (*models.Driver, error)
	ListStationsInUse(ctx context.Context) ([]models.StationLoad, error)
	Ping(ctx context.Context) error
}

type messengerParts struct {
	gateway  messenger.Gateway
	receiver messenger.Receiver
	// inject is set for the fake messenger only; the ops server exposes it as POST /events.
	inject  *fake.Receiver
	closeFn func()
}

type botFactories struct {
	newStorage     func(cfg *config.Config) (Store, func(), error)
	newMessenger   func(cfg *config.Config) (messengerParts, error)
	newProducer    func(cfg *config.Config) (events.Producer, func())
	newRateLimiter func(cfg *config.Config) (reconciler.RateLimiter, func())
	newViewCache   func(cfg *config.Config) (reconciler.ViewCache, func())
}

func openStore(cfg *config.Config) (Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		st, err := pgqueue.New(cfg.Database.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "sqlite", "":
		st, err := sqlitequeue.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func defaultBotFactories() botFactories {
	return botFactories{
		newStorage: openStore,
		newMessenger: func(cfg *config.Config) (messengerParts, error) {
			switch cfg.Messenger.Kind {
			case "telegram":
				c := telegramhttp.New(cfg.Telegram.BaseURL, cfg.Telegram.Token).
					WithPolling(time.Duration(cfg.Telegram.PollTimeoutSeconds)*time.Second, 0)
				return messengerParts{gateway: c, receiver: c}, nil
			case "kafka":
				// actions arrive through kafka; replies still go out through the bot API when a token is set
				var gw messenger.Gateway = fake.NewGateway()
				if cfg.Telegram.Token != "" {
					gw = telegramhttp.New(cfg.Telegram.BaseURL, cfg.Telegram.Token)
				}
				consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.InboundEventsTopicName, cfg.Kafka.ConsumerGroup)
				return messengerParts{
					gateway:  gw,
					receiver: kafkaevents.New(consumer),
					closeFn:  func() { _ = consumer.Close() },
				}, nil
			case "fake":
				r := fake.NewReceiver(64)
				return messengerParts{gateway: fake.NewGateway(), receiver: r, inject: r}, nil
			default:
				return messengerParts{}, fmt.Errorf("unknown messenger kind %q", cfg.Messenger.Kind)
			}
		},
		newProducer: func(cfg *config.Config) (events.Producer, func()) {
			if !cfg.Kafka.Enabled() {
				return nil, nil
			}
			p := kafka.NewProducer(cfg.Kafka.Brokers)
			return p, func() { _ = p.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (reconciler.RateLimiter, func()) {
			if cfg.Redis.Addr == "" {
				return nil, nil
			}
			rl := rediscache.NewEditLimiter(cfg.Redis.Addr)
			return rl, func() { _ = rl.Close() }
		},
		newViewCache: func(cfg *config.Config) (reconciler.ViewCache, func()) {
			if cfg.Redis.Addr == "" {
				return nil, nil
			}
			c := rediscache.New(cfg.Redis.Addr)
			return c, func() { _ = c.Close() }
		},
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// loadResolver never fails: a broken stations file leaves the bot running with no stations,
// which makes every join answer "no station nearby".
func loadResolver(path string) *geo.Resolver {
	stations, err := geo.LoadStations(path)
	if err != nil {
		slog.Error("load stations", "path", path, "error", err.Error())
	}
	if len(stations) == 0 {
		slog.Warn("no stations loaded", "path", path)
	} else {
		slog.Info("stations loaded", "path", path, "count", len(stations))
	}
	return geo.NewResolver(stations)
}

type bot struct {
	cfg      *config.Config
	store    Store
	resolver *geo.Resolver
	views    *queue.Builder
	rec      *reconciler.Reconciler
	disp     *dispatcher.Dispatcher
	msg      messengerParts
	closers  []func()
}

func (b *bot) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if b.closers[i] != nil {
			b.closers[i]()
		}
	}
}

func buildBot(cfg *config.Config, f botFactories) (*bot, error) {
	store, closeStore, err := f.newStorage(cfg)
	if err != nil {
		return nil, err
	}
	b := &bot{cfg: cfg, store: store, closers: []func(){closeStore}}

	msg, err := f.newMessenger(cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.msg = msg
	b.closers = append(b.closers, msg.closeFn)

	loc := time.Local
	if cfg.Queue.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Queue.Timezone); err == nil {
			loc = l
		} else {
			slog.Warn("unknown timezone, using local", "timezone", cfg.Queue.Timezone, "error", err.Error())
		}
	}

	b.resolver = loadResolver(cfg.Queue.StationsPath)
	b.views = queue.NewBuilder(store, cfg.Queue.AllowedRadiusMeters).WithLocation(loc)

	var pub *events.Publisher
	if producer, closeProducer := f.newProducer(cfg); producer != nil {
		pub = events.NewPublisher(producer, cfg.Kafka.QueueEventsTopicName)
		b.closers = append(b.closers, closeProducer)
	}

	b.rec = reconciler.New(store, b.resolver, b.views, msg.gateway).
		WithSettings(cfg.Queue.TickInterval(), cfg.Queue.Concurrency, cfg.Queue.DriverTimeout()).
		WithGeofence(cfg.Queue.AllowedRadiusMeters, cfg.Queue.EvictionMarginMeters).
		WithFeatures(cfg.Queue.Eviction(), cfg.Queue.FirstPlaceAlert()).
		WithEvents(pub)
	if rl, closeRL := f.newRateLimiter(cfg); rl != nil {
		b.rec.WithEditThrottle(rl, int64(cfg.Redis.EditsPerSecond))
		b.closers = append(b.closers, closeRL)
	}
	if vc, closeVC := f.newViewCache(cfg); vc != nil {
		b.rec.WithViewCache(vc, time.Duration(cfg.Redis.ViewCacheTTLSeconds)*time.Second)
		b.closers = append(b.closers, closeVC)
	}

	b.disp = dispatcher.New(store, b.resolver, b.views, msg.gateway).
		WithJoinPolicy(cfg.Queue.AllowedRadiusMeters, cfg.Queue.JoinRadiusEnforced()).
		WithEvents(pub).
		WithTrigger(b.rec)
	return b, nil
}

type serveOpts struct {
	httpAddr    string
	grpcAddr    string
	swaggerPath string
	onListen    func(httpAddr, grpcAddr string)
}

func serveOptsFromConfig(cfg *config.Config) serveOpts {
	return serveOpts{
		httpAddr:    cfg.Server.HTTPAddr,
		grpcAddr:    cfg.Server.GRPCAddr,
		swaggerPath: os.Getenv("swaggerPath"),
	}
}

// RunQueueBot runs the reconciliation loop, the inbound receiver and the ops servers until
// ctx is cancelled or one of them fails.
func RunQueueBot(ctx context.Context, cfg *config.Config, f botFactories, opts serveOpts) error {
	b, err := buildBot(cfg, f)
	if err != nil {
		return err
	}
	defer b.Close()

	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	var grpcLis net.Listener
	grpcListenAddr := ""
	if opts.grpcAddr != "" {
		grpcLis, err = net.Listen("tcp", opts.grpcAddr)
		if err != nil {
			_ = httpLis.Close()
			return err
		}
		grpcListenAddr = grpcLis.Addr().String()
	}
	if opts.onListen != nil {
		opts.onListen(httpLis.Addr().String(), grpcListenAddr)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("reconciler", b.rec.Run)
	run("receiver", func(ctx context.Context) error {
		slog.Info("receiver started", "messenger", cfg.Messenger.Kind)
		return b.msg.receiver.Receive(ctx, b.disp.Handle)
	})
	if grpcLis != nil {
		run("grpc", func(ctx context.Context) error { return runGRPCHealthServer(ctx, grpcLis, b.store) })
	}
	run("http", func(ctx context.Context) error {
		return runOpsHTTPServer(ctx, httpLis, opsHTTPOpts{
			bot:         b,
			swaggerPath: opts.swaggerPath,
			grpcAddr:    grpcListenAddr,
		})
	})

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errCh:
		slog.Error("queue bot stopping", "error", runErr.Error())
	}
	cancel()
	// reconciler finishes the tick in progress before returning
	wg.Wait()
	return runErr
}
