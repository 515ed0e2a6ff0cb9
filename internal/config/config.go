package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"hotmess-kernel/common/config"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"

	FeedPGNotify = "pgnotify"
	FeedRealtime = "realtime"
	FeedRedis    = "redis"
)

// Config kernel process settings
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Supabase config.SupabaseConfig
	Log      config.LogConfig

	// Backend postgres (direct lib/pq) or supabase (PostgREST)
	Backend string
	// ChangeFeed pgnotify, realtime or redis
	ChangeFeed string

	// Kernel the actor this process serves and the device it reads location from
	Kernel struct {
		UserID   string
		DeviceID string
	}

	Aggregator struct {
		PresenceTable string
		EventsTable   string
		MarketTable   string
		SafetyTable   string
		RadioTable    string
		RadioEnabled  bool
		SweepInterval time.Duration
		LoadTimeout   time.Duration

		SnapshotEnabled bool
		SnapshotKey     string
		SnapshotTTL     time.Duration
	}

	// ChangeStream consumer settings when ChangeFeed is redis
	ChangeStream struct {
		ConsumerGroup string
		ConsumerName  string
	}

	Presence struct {
		GoLiveMinutes int
		ExtendMinutes int
	}

	State struct {
		PersistEnabled bool
	}

	Emergency struct {
		LocationTimeout     time.Duration
		HistoryCap          int
		BroadcastEvery      time.Duration
		IncidentTopicPrefix string
		ContactsTable       string
	}

	Notify struct {
		PushEnabled     bool
		PushTopicPrefix string
		SMSWebhookURL   string
		SMSWebhookToken string
		SMSFrom         string
		OutboxEnabled   bool
		OutboxStream    string
	}

	Metrics struct {
		Addr string
	}
}

// Load reads .env (when present, or the file named by ENV_FILE) and then the environment.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "hotmess",
		SSLMode:  "disable",
		MaxConns: 10,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "hotmess-kernel", QoS: 1}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Supabase.Schema = "public"
	cfg.Supabase.LoadFromEnv("SUPABASE")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.ServiceName = getEnv("SERVICE_NAME", "hotmess-kernel")

	cfg.Backend = getEnv("KERNEL_BACKEND", BackendPostgres)
	cfg.ChangeFeed = getEnv("KERNEL_CHANGE_FEED", FeedPGNotify)

	cfg.Kernel.UserID = getEnv("KERNEL_USER_ID", "")
	cfg.Kernel.DeviceID = getEnv("KERNEL_DEVICE_ID", "")

	cfg.Aggregator.PresenceTable = getEnv("AGG_PRESENCE_TABLE", "presence")
	cfg.Aggregator.EventsTable = getEnv("AGG_EVENTS_TABLE", "events")
	cfg.Aggregator.MarketTable = getEnv("AGG_MARKET_TABLE", "market_listings")
	cfg.Aggregator.SafetyTable = getEnv("AGG_SAFETY_TABLE", "safety_alerts")
	cfg.Aggregator.RadioTable = getEnv("AGG_RADIO_TABLE", "radio_now_playing")
	cfg.Aggregator.RadioEnabled = getEnvBool("AGG_RADIO_ENABLED", false)
	cfg.Aggregator.SweepInterval = getEnvDuration("AGG_SWEEP_INTERVAL", 10*time.Second)
	cfg.Aggregator.LoadTimeout = getEnvDuration("AGG_LOAD_TIMEOUT", 5*time.Second)
	cfg.Aggregator.SnapshotEnabled = getEnvBool("AGG_SNAPSHOT_ENABLED", true)
	cfg.Aggregator.SnapshotKey = getEnv("AGG_SNAPSHOT_KEY", "kernel:beacons:snapshot")
	cfg.Aggregator.SnapshotTTL = getEnvDuration("AGG_SNAPSHOT_TTL", 30*time.Second)

	cfg.ChangeStream.ConsumerGroup = getEnv("CHANGE_STREAM_GROUP", "hotmess-kernel-group")
	cfg.ChangeStream.ConsumerName = getEnv("CHANGE_STREAM_CONSUMER", "hotmess-kernel-1")

	cfg.Presence.GoLiveMinutes = getEnvInt("PRESENCE_GO_LIVE_MINUTES", 60)
	cfg.Presence.ExtendMinutes = getEnvInt("PRESENCE_EXTEND_MINUTES", 30)

	cfg.State.PersistEnabled = getEnvBool("STATE_PERSIST_ENABLED", true)

	cfg.Emergency.LocationTimeout = getEnvDuration("EMERGENCY_LOCATION_TIMEOUT", 5*time.Second)
	cfg.Emergency.HistoryCap = getEnvInt("EMERGENCY_HISTORY_CAP", 50)
	cfg.Emergency.BroadcastEvery = getEnvDuration("EMERGENCY_BROADCAST_EVERY", 2*time.Second)
	cfg.Emergency.IncidentTopicPrefix = getEnv("EMERGENCY_INCIDENT_TOPIC_PREFIX", "incidents/")
	cfg.Emergency.ContactsTable = getEnv("EMERGENCY_CONTACTS_TABLE", "trusted_contacts")

	cfg.Notify.PushEnabled = getEnvBool("NOTIFY_PUSH_ENABLED", true)
	cfg.Notify.PushTopicPrefix = getEnv("NOTIFY_PUSH_TOPIC_PREFIX", "contacts/")
	cfg.Notify.SMSWebhookURL = getEnv("NOTIFY_SMS_WEBHOOK_URL", "")
	cfg.Notify.SMSWebhookToken = getEnv("NOTIFY_SMS_WEBHOOK_TOKEN", "")
	cfg.Notify.SMSFrom = getEnv("NOTIFY_SMS_FROM", "HOTMESS")
	cfg.Notify.OutboxEnabled = getEnvBool("NOTIFY_OUTBOX_ENABLED", true)
	cfg.Notify.OutboxStream = getEnv("NOTIFY_OUTBOX_STREAM", "notify:outbox")

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9102")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the kernel cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
	case BackendSupabase:
		if c.Supabase.URL == "" || c.Supabase.APIKey == "" {
			return fmt.Errorf("backend %s requires SUPABASE_URL and SUPABASE_KEY", c.Backend)
		}
	default:
		return fmt.Errorf("unknown KERNEL_BACKEND %q", c.Backend)
	}

	switch c.ChangeFeed {
	case FeedPGNotify:
		if c.Backend != BackendPostgres {
			return fmt.Errorf("change feed %s requires the postgres backend", c.ChangeFeed)
		}
	case FeedRealtime:
		if c.Supabase.URL == "" || c.Supabase.APIKey == "" {
			return fmt.Errorf("change feed %s requires SUPABASE_URL and SUPABASE_KEY", c.ChangeFeed)
		}
	case FeedRedis:
	default:
		return fmt.Errorf("unknown KERNEL_CHANGE_FEED %q", c.ChangeFeed)
	}

	if c.Aggregator.SweepInterval <= 0 {
		return fmt.Errorf("AGG_SWEEP_INTERVAL must be positive")
	}
	if c.Emergency.HistoryCap <= 0 {
		return fmt.Errorf("EMERGENCY_HISTORY_CAP must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
