package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/kdimtricp/facesync/internal/database"
)

func TestMigrateSQLite(t *testing.T) {
	cfg := database.Config{Type: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "test.db")}

	tests := []struct {
		name   string
		status bool
		want   string
	}{
		{name: "run", status: false, want: "(0 applied)"},
		{name: "status", status: true, want: "nothing to migrate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := migrate(context.Background(), cfg, "../../migrations", tt.status, &out, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("migrate: %v", err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output %q missing %q", out.String(), tt.want)
			}
		})
	}
}

func TestMigrateReturnsConnectionErrors(t *testing.T) {
	var out bytes.Buffer
	err := migrate(context.Background(), database.Config{Type: "oracle"}, "../../migrations", false, &out, zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("expected an error for an unsupported database")
	}
	if !strings.Contains(err.Error(), "connect to database") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DB_TYPE", "sqlite")
	t.Setenv("DB_PATH", "/tmp/override.db")
	t.Setenv("DB_PORT", "6543")

	cfg := database.Config{Type: "postgres", SQLitePath: "./facesync.db", Port: 5432}
	if err := applyEnv(&cfg); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Type != "sqlite" || cfg.SQLitePath != "/tmp/override.db" || cfg.Port != 6543 {
		t.Errorf("env not applied: %+v", cfg)
	}

	t.Setenv("DB_PORT", "not-a-port")
	if err := applyEnv(&cfg); err == nil {
		t.Error("invalid DB_PORT accepted")
	}
}
