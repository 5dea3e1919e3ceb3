package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("error writing test config: %v", err)
	}
	return path
}

func testFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("empdb", pflag.ContinueOnError)
	flags.StringP("file", "f", "", "")
	flags.IntP("port", "p", 0, "")
	flags.BoolP("new", "n", false, "")
	if err := flags.Parse(args); err != nil {
		t.Fatalf("error parsing flags: %v", err)
	}
	return flags
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", testFlags(t, "-f", "staff.db", "-p", "8080"))
	if err != nil {
		t.Fatalf("LoadConfig() returned an unexpected error: %v", err)
	}

	type summary struct {
		Port, MaxConnections, BufferSize, Backlog int
		DatabaseFile, LogLevel, Engine            string
		NewFile                                   bool
	}
	want := summary{
		Port: 8080, MaxConnections: 256, BufferSize: 4096, Backlog: 10,
		DatabaseFile: "staff.db", LogLevel: "info", Engine: "none",
	}
	got := summary{
		Port: cfg.Port, MaxConnections: cfg.MaxConnections, BufferSize: cfg.BufferSize, Backlog: cfg.Backlog,
		DatabaseFile: cfg.DatabaseFile, LogLevel: cfg.LogLevel, Engine: cfg.Archive.Engine,
		NewFile: cfg.NewFile,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig() produced unexpected values; diff:\n%s", diff)
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeConfigFile(t, strings.Join([]string{
		"port: 9000",
		"database_file: from-file.db",
		"max_connections: 2",
		"log_level: DEBUG",
		"archive:",
		"  engine: sqlite",
		"  sqlite_file: archive.db",
	}, "\n"))
	t.Setenv("EMPDB_MAX_CONNECTIONS", "3")

	cfg, err := LoadConfig(path, testFlags(t, "-p", "9100", "-n"))
	if err != nil {
		t.Fatalf("LoadConfig() returned an unexpected error: %v", err)
	}

	if cfg.Port != 9100 {
		t.Errorf("flag should override the config file; port = %d", cfg.Port)
	}
	if cfg.MaxConnections != 3 {
		t.Errorf("environment should override the config file; max_connections = %d", cfg.MaxConnections)
	}
	if cfg.DatabaseFile != "from-file.db" || !cfg.NewFile {
		t.Errorf("unexpected database settings: file = %q, new = %v", cfg.DatabaseFile, cfg.NewFile)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level was not normalized; got %q", cfg.LogLevel)
	}
	if cfg.Archive.Engine != "sqlite" || cfg.Archive.SQLiteFile != "archive.db" {
		t.Errorf("unexpected archive settings: %+v", cfg.Archive)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		args     []string
	}{
		{
			name:     "missing database file",
			contents: "port: 80",
		},
		{
			name:     "zero connections",
			contents: "database_file: a.db\nmax_connections: 0",
		},
		{
			name:     "unknown archive engine",
			contents: "database_file: a.db\narchive:\n  engine: mongo",
		},
		{
			name:     "sqlite engine without a file",
			contents: "database_file: a.db\narchive:\n  engine: sqlite",
		},
		{
			name:     "backup without a bucket",
			contents: "database_file: a.db\nbackup:\n  enabled: true\n  region: us-east-1",
		},
		{
			name:     "port out of range",
			contents: "database_file: a.db",
			args:     []string{"-p", "70000"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.contents)
			if _, err := LoadConfig(path, testFlags(t, tt.args...)); err == nil {
				t.Errorf("LoadConfig() expected an error")
			}
		})
	}
}

func TestConfig_ListenAddress(t *testing.T) {
	cfg := &Config{Port: 12345}

	if addr, want := cfg.ListenAddress(), "0.0.0.0:12345"; addr != want {
		t.Errorf("ListenAddress() want = %s, got = %s", want, addr)
	}
}

func TestConfig_DatabaseURL(t *testing.T) {
	cfg := &Config{}
	cfg.Archive.Postgres.Host = "localhost"
	cfg.Archive.Postgres.Port = 5432
	cfg.Archive.Postgres.Name = "testdb"
	cfg.Archive.Postgres.Username = "testuser"
	cfg.Archive.Postgres.Password = "testpassword"
	cfg.Archive.Postgres.SSLMode = "disable"

	url := cfg.DatabaseURL()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpassword sslmode=disable"
	if url != expected {
		t.Errorf("DatabaseURL() want = %s, got = %s", expected, url)
	}
}

func TestNewLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "empdb.log")
	cfg := &Config{LogLevel: "warn", LogFilePath: logPath}

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() returned an unexpected error: %v", err)
	}
	logger.Info("not written")
	logger.Warn("written")

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("error reading log file: %v", err)
	}
	if strings.Contains(string(contents), "not written") || !strings.Contains(string(contents), "written") {
		t.Errorf("log file contents did not respect the level:\n%s", contents)
	}

	if _, err := NewLogger(&Config{LogLevel: "loud"}); err == nil {
		t.Errorf("NewLogger() expected an error for an unknown level")
	}
}
