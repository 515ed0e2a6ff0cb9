package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Database.Host != "localhost" {
		t.Errorf("Expected DB_HOST default 'localhost', got '%s'", cfg.Database.Host)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Expected DB_PORT default 5432, got %d", cfg.Database.Port)
	}
	if cfg.Backend != BackendPostgres {
		t.Errorf("Expected KERNEL_BACKEND default 'postgres', got '%s'", cfg.Backend)
	}
	if cfg.ChangeFeed != FeedPGNotify {
		t.Errorf("Expected KERNEL_CHANGE_FEED default 'pgnotify', got '%s'", cfg.ChangeFeed)
	}
	if cfg.Aggregator.SweepInterval != 10*time.Second {
		t.Errorf("Expected sweep interval default 10s, got %v", cfg.Aggregator.SweepInterval)
	}
	if cfg.Aggregator.LoadTimeout != 5*time.Second {
		t.Errorf("Expected load timeout default 5s, got %v", cfg.Aggregator.LoadTimeout)
	}
	if cfg.Aggregator.RadioEnabled {
		t.Errorf("Expected radio source disabled by default")
	}
	if cfg.Presence.GoLiveMinutes != 60 || cfg.Presence.ExtendMinutes != 30 {
		t.Errorf("Expected presence defaults 60/30, got %d/%d", cfg.Presence.GoLiveMinutes, cfg.Presence.ExtendMinutes)
	}
	if cfg.Emergency.LocationTimeout != 5*time.Second {
		t.Errorf("Expected location timeout default 5s, got %v", cfg.Emergency.LocationTimeout)
	}
	if cfg.Emergency.HistoryCap != 50 {
		t.Errorf("Expected history cap default 50, got %d", cfg.Emergency.HistoryCap)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("Expected MQTT QoS default 1, got %d", cfg.MQTT.QoS)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected LOG_LEVEL default 'info', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("KERNEL_CHANGE_FEED", "redis")
	t.Setenv("KERNEL_USER_ID", "u-1")
	t.Setenv("AGG_RADIO_ENABLED", "true")
	t.Setenv("AGG_SWEEP_INTERVAL", "2s")
	t.Setenv("AGG_LOAD_TIMEOUT", "750ms")
	t.Setenv("EMERGENCY_HISTORY_CAP", "10")
	t.Setenv("MQTT_QOS", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Database.Host != "db.internal" {
		t.Errorf("Expected DB_HOST 'db.internal', got '%s'", cfg.Database.Host)
	}
	if cfg.Database.Port != 6543 {
		t.Errorf("Expected DB_PORT 6543, got %d", cfg.Database.Port)
	}
	if cfg.ChangeFeed != FeedRedis {
		t.Errorf("Expected change feed 'redis', got '%s'", cfg.ChangeFeed)
	}
	if cfg.Kernel.UserID != "u-1" {
		t.Errorf("Expected KERNEL_USER_ID 'u-1', got '%s'", cfg.Kernel.UserID)
	}
	if !cfg.Aggregator.RadioEnabled {
		t.Errorf("Expected radio source enabled")
	}
	if cfg.Aggregator.SweepInterval != 2*time.Second {
		t.Errorf("Expected sweep interval 2s, got %v", cfg.Aggregator.SweepInterval)
	}
	if cfg.Aggregator.LoadTimeout != 750*time.Millisecond {
		t.Errorf("Expected load timeout 750ms, got %v", cfg.Aggregator.LoadTimeout)
	}
	if cfg.Emergency.HistoryCap != 10 {
		t.Errorf("Expected history cap 10, got %d", cfg.Emergency.HistoryCap)
	}
	if cfg.MQTT.QoS != 2 {
		t.Errorf("Expected MQTT QoS 2, got %d", cfg.MQTT.QoS)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), ".env")
	content := "KERNEL_BACKEND=supabase\nKERNEL_CHANGE_FEED=realtime\nSUPABASE_URL=https://example.supabase.co\nSUPABASE_KEY=anon\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// the real environment wins over the file
	t.Setenv("SUPABASE_KEY", "service")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Backend != BackendSupabase {
		t.Errorf("Expected backend 'supabase', got '%s'", cfg.Backend)
	}
	if cfg.Supabase.URL != "https://example.supabase.co" {
		t.Errorf("Expected SUPABASE_URL from file, got '%s'", cfg.Supabase.URL)
	}
	if cfg.Supabase.APIKey != "service" {
		t.Errorf("Expected SUPABASE_KEY from environment, got '%s'", cfg.Supabase.APIKey)
	}
	if cfg.Supabase.Schema != "public" {
		t.Errorf("Expected schema default 'public', got '%s'", cfg.Supabase.Schema)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		feed    string
		wantErr bool
	}{
		{"postgres with pgnotify", BackendPostgres, FeedPGNotify, false},
		{"postgres with redis", BackendPostgres, FeedRedis, false},
		{"supabase without url", BackendSupabase, FeedRealtime, true},
		{"pgnotify needs postgres", BackendSupabase, FeedPGNotify, true},
		{"unknown backend", "mysql", FeedRedis, true},
		{"unknown feed", BackendPostgres, "kafka", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Backend: tt.backend, ChangeFeed: tt.feed}
			cfg.Aggregator.SweepInterval = time.Second
			cfg.Emergency.HistoryCap = 1
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}
