package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestValidate_MissingBasePath(t *testing.T) {
	cfg := &Config{}
	if !hasWarning(cfg.Validate(), "base_path") {
		t.Error("expected warning about missing base_path")
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := &Config{
		Index: IndexConfig{
			BasePath:    t.TempDir(),
			WorkingDirs: map[string]string{"table": "src/tables"},
			Extensions:  []string{".al"},
		},
		Tracing: TracingConfig{SampleRate: 0.5},
	}
	if warnings := cfg.Validate(); len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestValidate_Warnings(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing dir", Config{Index: IndexConfig{BasePath: "/does/not/exist"}}, "not an existing directory"},
		{"unknown type", Config{Index: IndexConfig{WorkingDirs: map[string]string{"widget": "w"}}}, "unknown object type"},
		{"extension without dot", Config{Index: IndexConfig{Extensions: []string{"al"}}}, "start with a dot"},
		{"negative batch", Config{Index: IndexConfig{BatchSize: -1}}, "batch_size"},
		{"negative concurrency", Config{Index: IndexConfig{Concurrency: -2}}, "concurrency"},
		{"sample rate", Config{Tracing: TracingConfig{SampleRate: 2}}, "sample_rate"},
		{"graph user", Config{Graph: GraphConfig{URI: "neo4j://localhost"}}, "graph.username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !hasWarning(tt.cfg.Validate(), tt.want) {
				t.Errorf("expected warning containing %q, got %v", tt.want, tt.cfg.Validate())
			}
		})
	}
}

func TestWorkingDir(t *testing.T) {
	c := IndexConfig{
		BasePath:    "/work",
		WorkingDirs: map[string]string{"table": "src/tables", "page": "/abs/pages"},
	}
	if dir, ok := c.WorkingDir("Table"); !ok || dir != filepath.Join("/work", "src/tables") {
		t.Errorf("WorkingDir(table) = %q, %v", dir, ok)
	}
	if dir, ok := c.WorkingDir("page"); !ok || dir != "/abs/pages" {
		t.Errorf("WorkingDir(page) = %q, %v", dir, ok)
	}
	if _, ok := c.WorkingDir("report"); ok {
		t.Error("expected no working dir for report")
	}
}

func TestScanRoots(t *testing.T) {
	c := IndexConfig{
		BasePath: "/work",
		WorkingDirs: map[string]string{
			"table":    "src/tables",
			"page":     "/abs/pages",
			"report":   "/abs/pages",
			"codeunit": "/other",
		},
	}
	got := c.ScanRoots()
	want := []string{"/work", "/abs/pages", "/other"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ScanRoots() = %v, want %v", got, want)
	}
	if roots := (IndexConfig{}).ScanRoots(); roots != nil {
		t.Errorf("unconfigured ScanRoots() = %v", roots)
	}
}

func TestLoad_FileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alindex.yaml")
	yaml := `index:
  base_path: ` + dir + `
  working_dirs:
    table: src/tables
  batch_size: 10
cache:
  ttl: 30s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Index.BasePath != dir {
		t.Errorf("BasePath = %q, want %q", cfg.Index.BasePath, dir)
	}
	if cfg.Index.BatchSize != 10 {
		t.Errorf("BatchSize = %d", cfg.Index.BatchSize)
	}
	if cfg.Index.Concurrency != 8 {
		t.Errorf("Concurrency default = %d", cfg.Index.Concurrency)
	}
	if len(cfg.Index.Extensions) != 1 || cfg.Index.Extensions[0] != ".al" {
		t.Errorf("Extensions default = %v", cfg.Index.Extensions)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v", cfg.Cache.TTL)
	}
	if cfg.Index.WorkingDirs["table"] != "src/tables" {
		t.Errorf("WorkingDirs = %v", cfg.Index.WorkingDirs)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ALINDEX_INDEX_BASE_PATH", dir)
	t.Setenv("ALINDEX_TEMPORAL_TASK_QUEUE", "custom-queue")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Index.BasePath != dir {
		t.Errorf("BasePath = %q, want %q", cfg.Index.BasePath, dir)
	}
	if cfg.Temporal.TaskQueue != "custom-queue" {
		t.Errorf("TaskQueue = %q", cfg.Temporal.TaskQueue)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Index.Configured() {
		t.Error("expected unconfigured index")
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
}
