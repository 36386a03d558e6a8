package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/alerting"
	"oracle-integrity-watch/internal/config"
	"oracle-integrity-watch/internal/engine"
	"oracle-integrity-watch/internal/feed"
	"oracle-integrity-watch/internal/oracle"
	"oracle-integrity-watch/internal/registry"
	"oracle-integrity-watch/internal/sink"
	"oracle-integrity-watch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// buildRegistry materialises the cached source/subject snapshot.
func (a *App) buildRegistry() (*registry.Registry, error) {
	reg := registry.New()
	for _, src := range a.Config.Registry.Sources {
		if _, err := reg.AddSource(src.ID, src.LatencyBudget); err != nil {
			return nil, err
		}
	}
	for _, sub := range a.Config.Registry.Subjects {
		kind, err := oracle.ParseValueKind(sub.Kind)
		if err != nil {
			return nil, err
		}
		spec := registry.SubjectSpec{
			ID:    sub.ID,
			Kind:  kind,
			Scale: decimal.NewFromFloat(sub.Scale),
		}
		if sub.RangeMin != nil {
			min := decimal.NewFromFloat(*sub.RangeMin)
			spec.RangeMin = &min
		}
		if sub.RangeMax != nil {
			max := decimal.NewFromFloat(*sub.RangeMax)
			spec.RangeMax = &max
		}
		if err := reg.AddSubject(spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring engine with its feed and sink.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	reg, err := a.buildRegistry()
	if err != nil {
		return err
	}
	if len(reg.Sources()) == 0 || len(reg.Subjects()) == 0 {
		return errors.New("registry.sources and registry.subjects must be configured")
	}

	var stores engine.Stores
	if store != nil {
		stores = engine.Stores{Consensus: store, Anomalies: store, Scores: store}
	}

	eng := engine.New(a.Config, reg, stores, a.newNotifier(), a.Logger)

	errCh := make(chan error, 3)

	go func() {
		errCh <- eng.Run(ctx)
	}()

	if a.Config.Feed.RedisAddr != "" {
		consumer := feed.NewConsumer(feed.Options{
			Addr:     a.Config.Feed.RedisAddr,
			Password: a.Config.Feed.RedisPassword,
			DB:       a.Config.Feed.RedisDB,
			Channel:  a.Config.Feed.Channel,
		}, eng, a.Logger)
		defer consumer.Close()
		go func() {
			errCh <- consumer.Run(ctx)
		}()
	} else {
		a.Logger.Warn().Msg("feed.redis_addr not configured; no observations will arrive")
	}

	if len(a.Config.Sink.KafkaBrokers) > 0 {
		forwarder, err := sink.NewForwarder(sink.Options{
			Brokers: a.Config.Sink.KafkaBrokers,
			Topic:   a.Config.Sink.Topic,
		}, eng, a.Logger)
		if err != nil {
			return err
		}
		defer forwarder.Close()
		go func() {
			errCh <- forwarder.Run(ctx)
		}()
	}

	a.Logger.Info().Msg("starting integrity monitoring engine")
	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("integrity monitoring engine stopped")
	return nil
}

// ExportOptions hold parameters for exporting score history.
type ExportOptions struct {
	Source    string
	Subject   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Subject string
	Limit   int
}

// ReplayOptions configure the synthetic replay scenario.
type ReplayOptions struct {
	Windows   int
	Deviation float64
}
