package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
[server]
name = "pumpd"
environment = "test"
machine_id = 7

[pump]
prefixes = ["http://127.0.0.1:8080/", "https://127.0.0.1:8443/"]
prefer_hosting_addresses = true
workers = 8
queue_size = 128
shutdown_timeout = "15s"

[listener]
addr = ":8080"
read_timeout = "30s"
max_body_bytes = 1048576
accept_rate = 100.0
accept_burst = 20

[listener.websocket]
path = "/ws"
read_limit = 65536
write_timeout = "5s"
send_queue = 32

[log]
level = "debug"

[metrics]
enabled = true
addr = ":9090"
path = "/metrics"

[tracing]
enabled = false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	var cfg Config
	if err := Load(writeConfig(t, sampleConfig), &cfg); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Name != "pumpd" || cfg.Server.MachineID != 7 {
		t.Fatalf("server config = %+v", cfg.Server)
	}
	if len(cfg.Pump.Prefixes) != 2 || cfg.Pump.Prefixes[0] != "http://127.0.0.1:8080/" {
		t.Fatalf("prefixes = %v", cfg.Pump.Prefixes)
	}
	if !cfg.Pump.PreferHostingAddresses {
		t.Fatal("prefer_hosting_addresses not parsed")
	}
	if cfg.Pump.Workers != 8 || cfg.Pump.QueueSize != 128 {
		t.Fatalf("pump config = %+v", cfg.Pump)
	}
	if cfg.Pump.ShutdownTimeout != 15*time.Second {
		t.Fatalf("shutdown_timeout = %v, want 15s", cfg.Pump.ShutdownTimeout)
	}
	if cfg.Listener.ReadTimeout != 30*time.Second {
		t.Fatalf("read_timeout = %v", cfg.Listener.ReadTimeout)
	}
	if cfg.Listener.Websocket.Path != "/ws" || cfg.Listener.Websocket.SendQueue != 32 {
		t.Fatalf("websocket config = %+v", cfg.Listener.Websocket)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	bad := strings.Replace(sampleConfig, `environment = "test"`, `environment = "staging"`, 1)

	var cfg Config
	err := Load(writeConfig(t, bad), &cfg)
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("load error = %v, want validation failure", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg Config
	if err := Load(filepath.Join(t.TempDir(), "absent.toml"), &cfg); err == nil {
		t.Fatal("loading a missing file must fail")
	}
}
