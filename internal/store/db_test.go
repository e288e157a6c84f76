package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in       string
		contains []string
		absent   string
	}{
		{"/var/lib/carepipe/carepipe.db", []string{"_busy_timeout=5000", "_foreign_keys=1"}, ""},
		{"file:test.db?_busy_timeout=100", []string{"_busy_timeout=100", "_foreign_keys=1"}, "_busy_timeout=5000"},
		{"test.db?_foreign_keys=0&cache=shared", []string{"_foreign_keys=0", "cache=shared", "_busy_timeout=5000"}, "_foreign_keys=1"},
	}
	for _, tt := range tests {
		got := sqliteDSN(tt.in)
		for _, want := range tt.contains {
			if !strings.Contains(got, want) {
				t.Errorf("sqliteDSN(%q) = %q, missing %q", tt.in, got, want)
			}
		}
		if tt.absent != "" && strings.Contains(got, tt.absent) {
			t.Errorf("sqliteDSN(%q) = %q, should not contain %q", tt.in, got, tt.absent)
		}
	}
}

func TestSQLitePath(t *testing.T) {
	cases := map[string]string{
		"/data/carepipe.db":              "/data/carepipe.db",
		"file:/data/carepipe.db?mode=rw": "/data/carepipe.db",
		":memory:":                       ":memory:",
	}
	for in, want := range cases {
		if got := sqlitePath(in); got != want {
			t.Errorf("sqlitePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveOptsDefaults(t *testing.T) {
	cfg := resolveOpts([]Option{WithPool(0, time.Minute), WithConnectTimeout(-1)})
	if cfg.MaxOpenConns != DefaultMaxOpenConns || cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.ConnMaxLifetime != time.Minute {
		t.Errorf("lifetime = %v", cfg.ConnMaxLifetime)
	}
}

func TestNewSQLiteStoreCreatesNestedDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "carepipe.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestNewStoresRequireDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); !errors.Is(err, errNoDSN) {
		t.Errorf("sqlite: %v", err)
	}
	if _, err := NewPostgresStore(); !errors.Is(err, errNoDSN) {
		t.Errorf("postgres: %v", err)
	}
}
