package main

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{port: 8080, playerTimeout: 10 * time.Second}, false},
		{"port too low", Config{port: 0}, true},
		{"port too high", Config{port: 70000}, true},
		{"cert without key", Config{port: 8080, tlsCert: "cert.pem"}, true},
		{"key without cert", Config{port: 8080, tlsKey: "key.pem"}, true},
		{"cert and key", Config{port: 8080, tlsCert: "cert.pem", tlsKey: "key.pem"}, false},
		{"negative player timeout", Config{port: 8080, playerTimeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigScheme(t *testing.T) {
	plain := Config{}
	if got := plain.scheme(); got != "http" {
		t.Errorf("Expected scheme %q, got %q", "http", got)
	}

	tls := Config{tlsCert: "cert.pem", tlsKey: "key.pem"}
	if got := tls.scheme(); got != "https" {
		t.Errorf("Expected scheme %q, got %q", "https", got)
	}
}

func TestNewCmdFlagParsing(t *testing.T) {
	cfg := &Config{}
	cmd := newCmd(cfg)

	if err := cmd.Flags().Parse([]string{
		"--bind", "127.0.0.1",
		"--port", "9090",
		"--player-timeout", "30s",
		"--verbose",
	}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	if cfg.bind != "127.0.0.1" {
		t.Errorf("Expected bind %q, got %q", "127.0.0.1", cfg.bind)
	}
	if cfg.port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.port)
	}
	if cfg.playerTimeout != 30*time.Second {
		t.Errorf("Expected player timeout 30s, got %s", cfg.playerTimeout)
	}
	if !cfg.verbose {
		t.Error("Expected verbose to be set")
	}
}
