package config

import (
	"testing"
	"time"
)

func TestLoadMySQL(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_USER", "app")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_NAME", "market")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("CHAT_PERSIST_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("port=%s", cfg.Port)
	}
	if cfg.DB.Port != "3306" {
		t.Fatalf("db port=%s", cfg.DB.Port)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("origins=%v", cfg.AllowedOrigins)
	}
	if cfg.Chat.PersistTimeout != 2*time.Second {
		t.Fatalf("persist timeout=%v", cfg.Chat.PersistTimeout)
	}
	if cfg.Redis.Channel != "chat:events" {
		t.Fatalf("redis channel=%s", cfg.Redis.Channel)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{"mysql missing host", map[string]string{"DB_DRIVER": "mysql", "DB_USER": "u", "DB_NAME": "n"}, true},
		{"mysql cloud sql", map[string]string{"DB_DRIVER": "mysql", "DB_USER": "u", "DB_NAME": "n", "DB_INSTANCE_CONNECTION_NAME": "p:r:i"}, false},
		{"postgres missing url", map[string]string{"DB_DRIVER": "postgres"}, true},
		{"postgres", map[string]string{"DB_DRIVER": "postgres", "DB_URL": "postgres://u:p@localhost/db"}, false},
		{"unknown driver", map[string]string{"DB_DRIVER": "oracle"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("CHATCLI_TOKEN", "tok")
	t.Setenv("CHATCLI_USER_ID", "buyer-1")
	t.Setenv("CHATCLI_SUMMARY_POLL", "5s")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient err: %v", err)
	}
	if cfg.APIURL != "http://localhost:8080" || cfg.Role != "buyer" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.SummaryPoll != 5*time.Second || cfg.SubmitTimeout != 10*time.Second {
		t.Fatalf("durations: poll=%v submit=%v", cfg.SummaryPoll, cfg.SubmitTimeout)
	}
}

func TestLoadClientRequiresToken(t *testing.T) {
	t.Setenv("CHATCLI_USER_ID", "buyer-1")
	if _, err := LoadClient(); err == nil {
		t.Fatalf("expected error without token")
	}
}
