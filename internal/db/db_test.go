package db

import (
	"testing"

	"github.com/shinyyama/farm-market-backend/internal/config"
)

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DBConfig
		want string
	}{
		{
			"host and port",
			config.DBConfig{User: "u", Password: "p", Host: "db", Port: "3306", Name: "farm"},
			"u:p@tcp(db:3306)/farm?charset=utf8mb4&parseTime=True&loc=UTC",
		},
		{
			"cloud sql",
			config.DBConfig{User: "u", Password: "p", Host: "ignored", Name: "farm", InstanceConnectionName: "proj:region:inst"},
			"u:p@unix(/cloudsql/proj:region:inst)/farm?charset=utf8mb4&parseTime=True&loc=UTC",
		},
		{
			"socket path",
			config.DBConfig{User: "u", Password: "p", Host: "/var/run/mysqld.sock", Name: "farm"},
			"u:p@unix(/var/run/mysqld.sock)/farm?charset=utf8mb4&parseTime=True&loc=UTC",
		},
		{
			"pre-wrapped",
			config.DBConfig{User: "u", Password: "p", Host: "tcp(10.0.0.2:3307)", Name: "farm"},
			"u:p@tcp(10.0.0.2:3307)/farm?charset=utf8mb4&parseTime=True&loc=UTC",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildDSN(tt.cfg); got != tt.want {
				t.Fatalf("got %s", got)
			}
		})
	}
}

func TestNormalizeDSN(t *testing.T) {
	tests := map[string]string{
		"postgresql+asyncpg://u:p@h/db": "postgresql://u:p@h/db",
		"postgres+pgx://u:p@h/db":       "postgres://u:p@h/db",
		"  postgres://u:p@h/db ":        "postgres://u:p@h/db",
	}
	for in, want := range tests {
		if got := normalizeDSN(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}
