package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig postgres connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig broker settings shared by the device locator, push notifier and incident broadcaster.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// SupabaseConfig hosted backend settings (PostgREST + realtime).
type SupabaseConfig struct {
	URL     string
	APIKey  string
	Schema  string
	Timeout time.Duration
}

// LogConfig logger settings
type LogConfig struct {
	Level       string // debug, info, warn, error
	Format      string // json or console
	ServiceName string
}

// GetDSN builds a lib/pq key=value connection string. Values are quoted so
// passwords with spaces or quotes survive.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dsnValue(c.Host), c.Port, dsnValue(c.User), dsnValue(c.Password), dsnValue(c.Database), dsnValue(c.SSLMode))
}

func dsnValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Env reads variables named <Prefix>_<NAME>. Unset, empty or unparsable
// values leave the destination untouched, so callers set defaults first.
type Env struct {
	Prefix string
}

func (e Env) lookup(name string) (string, bool) {
	v := os.Getenv(e.Prefix + "_" + name)
	return v, v != ""
}

func (e Env) String(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e Env) Int(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (e Env) Duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadFromEnv reads <prefix>_HOST, _PORT, _USER, _PASSWORD, _NAME, _SSLMODE, _MAX_CONNS, _MAX_IDLE.
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	e := Env{Prefix: prefix}
	e.String("HOST", &c.Host)
	e.Int("PORT", &c.Port)
	e.String("USER", &c.User)
	e.String("PASSWORD", &c.Password)
	e.String("NAME", &c.Database)
	e.String("SSLMODE", &c.SSLMode)
	e.Int("MAX_CONNS", &c.MaxConns)
	e.Int("MAX_IDLE", &c.MaxIdle)
}

// LoadFromEnv reads <prefix>_ADDR, _PASSWORD, _DB.
func (c *RedisConfig) LoadFromEnv(prefix string) {
	e := Env{Prefix: prefix}
	e.String("ADDR", &c.Addr)
	e.String("PASSWORD", &c.Password)
	e.Int("DB", &c.DB)
}

// LoadFromEnv reads <prefix>_BROKER, _CLIENT_ID, _USERNAME, _PASSWORD, _QOS (0-2).
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	e := Env{Prefix: prefix}
	e.String("BROKER", &c.Broker)
	e.String("CLIENT_ID", &c.ClientID)
	e.String("USERNAME", &c.Username)
	e.String("PASSWORD", &c.Password)
	qos := int(c.QoS)
	e.Int("QOS", &qos)
	if qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
}

// LoadFromEnv reads <prefix>_URL, _KEY, _SCHEMA, _TIMEOUT.
func (c *SupabaseConfig) LoadFromEnv(prefix string) {
	e := Env{Prefix: prefix}
	e.String("URL", &c.URL)
	e.String("KEY", &c.APIKey)
	e.String("SCHEMA", &c.Schema)
	e.Duration("TIMEOUT", &c.Timeout)
}
