package config

import (
	"os"
	"testing"
	"time"
)

func TestGetDSN_QuotesValues(t *testing.T) {
	c := DatabaseConfig{
		Host:     "db",
		Port:     5432,
		User:     "kernel",
		Password: `it's a secret`,
		Database: "hotmess",
		SSLMode:  "disable",
	}
	want := `host='db' port=5432 user='kernel' password='it\'s a secret' dbname='hotmess' sslmode='disable'`
	if got := c.GetDSN(); got != want {
		t.Errorf("GetDSN() = %s, want %s", got, want)
	}
}

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_HOST", "pg.internal")
	t.Setenv("DB_PORT", "not-a-port")
	t.Setenv("DB_MAX_IDLE", "4")

	c := DatabaseConfig{Host: "localhost", Port: 5432}
	c.LoadFromEnv("DB")

	if c.Host != "pg.internal" {
		t.Errorf("Expected host 'pg.internal', got '%s'", c.Host)
	}
	if c.Port != 5432 {
		t.Errorf("Expected unparsable port to keep 5432, got %d", c.Port)
	}
	if c.MaxIdle != 4 {
		t.Errorf("Expected max idle 4, got %d", c.MaxIdle)
	}
}

func TestMQTTConfig_LoadFromEnv(t *testing.T) {
	os.Clearenv()
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_QOS", "3")

	c := MQTTConfig{QoS: 1}
	c.LoadFromEnv("MQTT")

	if c.Broker != "tcp://broker:1883" {
		t.Errorf("Expected broker override, got '%s'", c.Broker)
	}
	if c.QoS != 1 {
		t.Errorf("Expected out of range QoS to keep 1, got %d", c.QoS)
	}

	t.Setenv("MQTT_QOS", "0")
	c.LoadFromEnv("MQTT")
	if c.QoS != 0 {
		t.Errorf("Expected QoS 0, got %d", c.QoS)
	}
}

func TestSupabaseConfig_LoadFromEnv(t *testing.T) {
	os.Clearenv()
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_KEY", "anon")
	t.Setenv("SUPABASE_TIMEOUT", "3s")

	c := SupabaseConfig{Schema: "public"}
	c.LoadFromEnv("SUPABASE")

	if c.URL != "https://example.supabase.co" || c.APIKey != "anon" {
		t.Errorf("Unexpected url/key: %s %s", c.URL, c.APIKey)
	}
	if c.Schema != "public" {
		t.Errorf("Expected default schema to survive, got '%s'", c.Schema)
	}
	if c.Timeout != 3*time.Second {
		t.Errorf("Expected timeout 3s, got %v", c.Timeout)
	}
}
