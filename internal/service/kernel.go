package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"hotmess-kernel/common/database"
	mqttcommon "hotmess-kernel/common/mqtt"
	rediscommon "hotmess-kernel/common/redis"
	"hotmess-kernel/internal/aggregator"
	"hotmess-kernel/internal/changefeed"
	"hotmess-kernel/internal/config"
	"hotmess-kernel/internal/device"
	"hotmess-kernel/internal/emergency"
	"hotmess-kernel/internal/metrics"
	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/notify"
	"hotmess-kernel/internal/presence"
	"hotmess-kernel/internal/state"
	"hotmess-kernel/internal/store"
	"hotmess-kernel/internal/subscription"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Infra is what a Kernel runs on. Store and Feed are required; a nil Redis
// disables the snapshot cache, state persistence and the outbox, and a nil
// Broker disables device location, push alerts and the incident channel.
type Infra struct {
	Store   store.Store
	Feed    changefeed.Feed
	Redis   *redis.Client
	Broker  device.Broker
	Metrics *metrics.Metrics
}

// Kernel owns the aggregator, state machine, presence service and emergency
// controller for one actor.
type Kernel struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	closers []func() error

	aggregator *aggregator.Aggregator
	snapshot   *aggregator.SnapshotPublisher
	state      *state.Machine
	presence   *presence.Service
	emergency  *emergency.Controller

	mu      sync.Mutex
	stopAgg func()
	cancels []subscription.Cancel
	done    chan struct{}
}

// New connects the backing store, change feed, redis and the MQTT broker
// named in cfg and assembles a Kernel on them.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Kernel, error) {
	var (
		infra   = Infra{Metrics: metrics.New()}
		closers []func() error
		db      *sql.DB
		err     error
	)
	fail := func(err error) (*Kernel, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	switch cfg.Backend {
	case config.BackendSupabase:
		infra.Store, err = store.NewPostgREST(cfg.Supabase, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create hosted store: %w", err)
		}
	default:
		db, err = database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		closers = append(closers, db.Close)
		infra.Store = store.NewPostgres(db, logger)
	}

	if client, err := rediscommon.Connect(ctx, &cfg.Redis); err != nil {
		if cfg.ChangeFeed == config.FeedRedis {
			return fail(fmt.Errorf("failed to connect to redis: %w", err))
		}
		logger.Warn("Redis unavailable, running without snapshot cache, state persistence and outbox", zap.Error(err))
	} else {
		closers = append(closers, client.Close)
		infra.Redis = client
	}

	switch cfg.ChangeFeed {
	case config.FeedRealtime:
		rt := changefeed.NewRealtime(cfg.Supabase, logger)
		closers = append(closers, rt.Close)
		infra.Feed = rt
	case config.FeedRedis:
		infra.Feed = changefeed.NewRedisStream(infra.Redis, cfg.ChangeStream.ConsumerGroup, cfg.ChangeStream.ConsumerName, logger)
	default:
		pg := changefeed.NewPGNotify(cfg.Database.GetDSN(), logger)
		closers = append(closers, pg.Close)
		infra.Feed = pg
	}

	if cfg.MQTT.Broker != "" {
		client, err := mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, running without device location and push alerts", zap.Error(err))
		} else {
			closers = append(closers, func() error { client.Disconnect(); return nil })
			infra.Broker = client
		}
	}

	k, err := Assemble(cfg, infra, logger)
	if err != nil {
		return fail(err)
	}
	k.closers = closers
	return k, nil
}

// Assemble builds a Kernel on infra without dialing anything.
func Assemble(cfg *config.Config, infra Infra, logger *zap.Logger) (*Kernel, error) {
	if infra.Store == nil || infra.Feed == nil {
		return nil, fmt.Errorf("kernel: store and change feed are required")
	}
	m := infra.Metrics

	tables := aggregator.Tables{
		Presence: cfg.Aggregator.PresenceTable,
		Events:   cfg.Aggregator.EventsTable,
		Market:   cfg.Aggregator.MarketTable,
		Safety:   cfg.Aggregator.SafetyTable,
		Radio:    cfg.Aggregator.RadioTable,
	}
	sources := aggregator.DefaultSources(tables)
	if cfg.Aggregator.RadioEnabled {
		sources = append(sources, aggregator.RadioSource(tables))
	}
	agg := aggregator.New(infra.Store, infra.Feed, aggregator.Options{
		Sources:       sources,
		SweepInterval: cfg.Aggregator.SweepInterval,
		LoadTimeout:   cfg.Aggregator.LoadTimeout,
		Metrics:       m,
	}, logger.Named("aggregator"))

	var snapshot *aggregator.SnapshotPublisher
	if infra.Redis != nil && cfg.Aggregator.SnapshotEnabled {
		snapshot = aggregator.NewSnapshotPublisher(aggregator.NewRedisSnapshotCache(infra.Redis),
			cfg.Aggregator.SnapshotKey, cfg.Aggregator.SnapshotTTL, logger.Named("snapshot"))
	}

	stateOpts := state.Options{Metrics: m}
	if infra.Redis != nil && cfg.State.PersistEnabled {
		stateOpts.Persister = state.NewRedisPersister(infra.Redis, cfg.Kernel.UserID, 0)
	}
	machine := state.New(stateOpts, logger.Named("state"))

	presenceSvc := presence.NewService(infra.Store, presence.Options{
		Table:         cfg.Aggregator.PresenceTable,
		GoLiveMinutes: cfg.Presence.GoLiveMinutes,
		ExtendMinutes: cfg.Presence.ExtendMinutes,
		Metrics:       m,
	}, logger.Named("presence"))

	deps := emergency.Deps{
		State:    machine,
		Contacts: emergency.NewStoreContacts(infra.Store, cfg.Emergency.ContactsTable),
		Beacons:  emergency.NewStoreSafetyBeacons(infra.Store, cfg.Aggregator.SafetyTable),
	}
	if infra.Broker != nil {
		if cfg.Kernel.DeviceID != "" {
			deps.Locator = device.NewMQTTLocator(infra.Broker, cfg.Kernel.DeviceID, cfg.MQTT.QoS, logger.Named("device"))
		}
		deps.Broadcaster = emergency.NewMQTTBroadcaster(infra.Broker, cfg.Emergency.IncidentTopicPrefix, cfg.MQTT.QoS)
	}
	channels, err := notifyChannels(cfg, infra, logger)
	if err != nil {
		return nil, err
	}
	if len(channels) > 0 {
		deps.Notifier = notify.NewFallback(logger.Named("notify"), channels...)
	} else {
		logger.Warn("No notification channel configured, trusted contacts will not be alerted")
	}

	controller := emergency.NewController(deps, emergency.Options{
		LocationTimeout: cfg.Emergency.LocationTimeout,
		HistoryCap:      cfg.Emergency.HistoryCap,
		BroadcastEvery:  cfg.Emergency.BroadcastEvery,
		Metrics:         m,
	}, logger.Named("emergency"))

	return &Kernel{
		config:     cfg,
		logger:     logger,
		metrics:    m,
		aggregator: agg,
		snapshot:   snapshot,
		state:      machine,
		presence:   presenceSvc,
		emergency:  controller,
	}, nil
}

func notifyChannels(cfg *config.Config, infra Infra, logger *zap.Logger) ([]notify.Channel, error) {
	var channels []notify.Channel
	if infra.Broker != nil && cfg.Notify.PushEnabled {
		channels = append(channels, notify.Channel{
			Name:     "push",
			Notifier: notify.NewMQTTPush(infra.Broker, cfg.Notify.PushTopicPrefix, cfg.MQTT.QoS),
		})
	}
	if cfg.Notify.SMSWebhookURL != "" {
		sms, err := notify.NewSMSWebhook(notify.SMSWebhookConfig{
			URL:   cfg.Notify.SMSWebhookURL,
			Token: cfg.Notify.SMSWebhookToken,
			From:  cfg.Notify.SMSFrom,
		}, logger.Named("sms"))
		if err != nil {
			return nil, fmt.Errorf("failed to create sms notifier: %w", err)
		}
		channels = append(channels, notify.Channel{Name: "sms", Notifier: sms})
	}
	if infra.Redis != nil && cfg.Notify.OutboxEnabled {
		channels = append(channels, notify.Channel{
			Name:     "outbox",
			Notifier: notify.NewOutbox(infra.Redis, cfg.Notify.OutboxStream),
		})
	}
	return channels, nil
}

// Start restores the persisted system state, loads and binds every beacon
// source and starts the snapshot cache refresher. It returns once the
// initial snapshot has been emitted.
func (k *Kernel) Start(ctx context.Context) error {
	k.logger.Info("Starting kernel",
		zap.String("backend", k.config.Backend),
		zap.String("change_feed", k.config.ChangeFeed),
		zap.String("user_id", k.config.Kernel.UserID),
		zap.Bool("snapshot_enabled", k.snapshot != nil),
	)

	if err := k.state.Restore(ctx); err != nil {
		k.logger.Warn("Failed to restore system state, starting from the first gate", zap.Error(err))
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.snapshot != nil {
		k.cancels = append(k.cancels, k.snapshot.Attach(k.aggregator))
	}
	stop, err := k.aggregator.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}
	k.stopAgg = stop

	if k.snapshot != nil {
		k.done = make(chan struct{})
		go k.refreshSnapshot(ctx, k.done)
	}
	return nil
}

// refreshSnapshot rewrites the cached snapshot well inside its TTL so quiet
// periods without emissions do not let it lapse.
func (k *Kernel) refreshSnapshot(ctx context.Context, done <-chan struct{}) {
	interval := k.config.Aggregator.SnapshotTTL / 2
	if interval <= 0 {
		interval = aggregator.DefaultSnapshotTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := k.snapshot.Publish(writeCtx, k.aggregator.Beacons()); err != nil {
				k.logger.Warn("Failed to refresh beacon snapshot", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop releases every subscription and connection. An active emergency is
// left active; it is part of the persisted state.
func (k *Kernel) Stop(ctx context.Context) error {
	k.logger.Info("Stopping kernel")

	k.mu.Lock()
	if k.done != nil {
		close(k.done)
		k.done = nil
	}
	for _, cancel := range k.cancels {
		cancel()
	}
	k.cancels = nil
	if k.stopAgg != nil {
		k.stopAgg()
		k.stopAgg = nil
	}
	closers := k.closers
	k.closers = nil
	k.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			k.logger.Error("Error closing connection", zap.Error(err))
		}
	}

	k.logger.Info("Kernel stopped")
	return nil
}

// Actor is the user this kernel acts for.
func (k *Kernel) Actor() models.Actor {
	return models.Actor{UserID: k.config.Kernel.UserID}
}

func (k *Kernel) SubscribeBeacons(fn func([]models.Beacon)) subscription.Cancel {
	return k.aggregator.Subscribe(fn)
}

func (k *Kernel) SubscribeSystemState(fn func(models.SystemStateSnapshot)) subscription.Cancel {
	return k.state.Subscribe(fn)
}

func (k *Kernel) SubscribeEmergency(fn func(models.EmergencySnapshot)) subscription.Cancel {
	return k.emergency.Subscribe(fn)
}

func (k *Kernel) Beacons() []models.Beacon { return k.aggregator.Beacons() }

func (k *Kernel) Presence() *presence.Service { return k.presence }

func (k *Kernel) Emergency() *emergency.Controller { return k.emergency }

func (k *Kernel) State() *state.Machine { return k.state }

func (k *Kernel) Metrics() *metrics.Metrics { return k.metrics }

// ApplyProfile moves the gate to match the actor's profile.
func (k *Kernel) ApplyProfile(flags models.ProfileFlags) models.SystemStateSnapshot {
	return k.state.Reconcile(flags)
}

// TriggerEmergency raises an incident for the kernel's actor.
func (k *Kernel) TriggerEmergency(ctx context.Context, source string, location *models.Coords) *models.EmergencyEvent {
	return k.emergency.Trigger(ctx, k.Actor(), source, location)
}

// ResolveEmergency closes the active incident. A kernel restarted while in
// EMERGENCY_ACTIVE has no incident record; the override is lifted directly.
func (k *Kernel) ResolveEmergency(ctx context.Context, resolvedBy, notes string) (*models.EmergencyEvent, error) {
	ev, err := k.emergency.Resolve(ctx, resolvedBy, notes)
	if errors.Is(err, emergency.ErrNoActiveEmergency) && k.state.Current().State == models.StateEmergencyActive {
		k.logger.Warn("Lifting restored emergency state without an incident record", zap.String("resolved_by", resolvedBy))
		k.state.ResolveEmergency()
		return nil, nil
	}
	return ev, err
}

// ScheduleFakeCall schedules a distraction call; see emergency.ScheduleFakeCall.
func (k *Kernel) ScheduleFakeCall(callerName string, delay, ringFor time.Duration, fn func(emergency.FakeCall)) (cancel func()) {
	k.logger.Info("Fake call scheduled", zap.String("caller_name", callerName), zap.Duration("delay", delay))
	return emergency.ScheduleFakeCall(callerName, delay, ringFor, fn)
}
