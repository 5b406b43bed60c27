package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_SingleDatasetFormat(t *testing.T) {
	content := `
server:
  port: 9000
data:
  tracks:
    - id: phylop
      type: signal
      zarr_path: "/data/legacy/phylop.zarr"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset 'default', got %q", cfg.Data.DefaultDataset)
	}
	ds, ok := cfg.Data.Datasets["default"]
	if !ok {
		t.Fatal("expected 'default' dataset")
	}
	if len(ds.Tracks) != 1 || ds.Tracks[0].ZarrPath != "/data/legacy/phylop.zarr" {
		t.Errorf("unexpected tracks: %+v", ds.Tracks)
	}
}

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 8080
data:
  hg38:
    tracks:
      - id: phylop
        type: signal
        zarr_path: "/data/hg38/phylop.zarr"
      - id: genes
        type: annotation
        sqlite_path: "/data/hg38/genes.sqlite"
        macro_lod: 12
  mm10:
    tracks:
      - id: genes
        type: annotation
        sqlite_path: "/data/mm10/genes.sqlite"
`
	cfg := loadFromString(t, content)

	if len(cfg.Data.Datasets) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(cfg.Data.Datasets))
	}

	// First dataset in YAML order should be default
	if cfg.Data.DefaultDataset != "hg38" {
		t.Errorf("expected default dataset 'hg38', got %q", cfg.Data.DefaultDataset)
	}

	hg38, ok := cfg.Data.Datasets["hg38"]
	if !ok {
		t.Fatal("expected 'hg38' dataset")
	}
	if len(hg38.Tracks) != 2 {
		t.Fatalf("expected 2 hg38 tracks, got %d", len(hg38.Tracks))
	}
	if hg38.Tracks[1].Type != TrackAnnotation || hg38.Tracks[1].MacroLOD != 12 {
		t.Errorf("unexpected annotation track: %+v", hg38.Tracks[1])
	}

	// Check order preserved
	ids := cfg.Data.DatasetIDs()
	if len(ids) != 2 || ids[0] != "hg38" || ids[1] != "mm10" {
		t.Errorf("unexpected dataset order: %v", ids)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
data:
  test:
    tracks: []
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.TileSizeMB != 512 {
		t.Errorf("expected default cache size 512, got %d", cfg.Cache.TileSizeMB)
	}
	if cfg.Loader.TileWidth != 1024 || cfg.Loader.TilesPerBlock != 8 {
		t.Errorf("unexpected tile geometry: %+v", cfg.Loader)
	}
	if cfg.Loader.MaxActiveRequests != 4 {
		t.Errorf("expected 4 active requests, got %d", cfg.Loader.MaxActiveRequests)
	}
	if cfg.Warmup.SQLitePath != "./data/warmup_jobs.sqlite" || cfg.Warmup.MaxConcurrent != 1 || cfg.Warmup.RetentionDays != 7 {
		t.Errorf("unexpected warmup defaults: %+v", cfg.Warmup)
	}
}

func TestLoad_WarmupSection(t *testing.T) {
	content := `
warmup:
  sqlite_path: "/var/lib/tiles/jobs.sqlite"
  max_concurrent: 3
`
	cfg := loadFromString(t, content)

	if cfg.Warmup.SQLitePath != "/var/lib/tiles/jobs.sqlite" {
		t.Errorf("unexpected sqlite path %q", cfg.Warmup.SQLitePath)
	}
	if cfg.Warmup.MaxConcurrent != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Warmup.MaxConcurrent)
	}
	if cfg.Warmup.RetentionDays != 7 {
		t.Errorf("expected default retention 7, got %d", cfg.Warmup.RetentionDays)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset, got %q", cfg.Data.DefaultDataset)
	}
	if len(cfg.Data.Datasets) != 1 {
		t.Errorf("expected 1 default dataset, got %d", len(cfg.Data.Datasets))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected defaults, got error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidTracks(t *testing.T) {
	cases := map[string]string{
		"unknown type": `
data:
  tracks:
    - id: a
      type: variants
`,
		"missing zarr": `
data:
  tracks:
    - id: a
      type: signal
`,
		"missing sqlite": `
data:
  tracks:
    - id: a
      type: annotation
`,
		"duplicate": `
data:
  tracks:
    - id: a
      type: signal
      zarr_path: x
    - id: a
      type: signal
      zarr_path: y
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, content)
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			} else if !strings.Contains(err.Error(), `track "a"`) && !strings.Contains(err.Error(), "duplicate") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
