package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrCodeEU/cortex/pkg/recognition"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortex.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func resetGlobals(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		cfg = nil
		configFile = ""
		debug = false
		downloadAll = false
	})
}

func TestSetup_LoadsFileAndEnv(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()

	configFile = writeConfig(t, fmt.Sprintf(`
recognition:
  backend: dlib
  model_path: %s
enrollment:
  dir: %s
`, filepath.Join(dir, "models"), filepath.Join(dir, "faces")))
	t.Setenv("CORTEX_ACTUATION_TARGET", "door.local:8080")

	if err := setup(rootCmd, nil); err != nil {
		t.Fatalf("setup() error = %v", err)
	}

	if cfg.Recognition.Backend != "dlib" {
		t.Errorf("expected dlib backend, got %s", cfg.Recognition.Backend)
	}
	if cfg.Actuation.Target != "door.local:8080" {
		t.Errorf("env override not applied: %s", cfg.Actuation.Target)
	}
	if info, err := os.Stat(filepath.Join(dir, "faces")); err != nil || !info.IsDir() {
		t.Error("enrollment directory not created")
	}
}

func TestSetup_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		env    map[string]string
	}{
		{
			name:   "invalid config",
			config: "recognition:\n  scale: 2\n",
		},
		{
			name:   "malformed env override",
			config: "logging:\n  level: info\n",
			env:    map[string]string{"CORTEX_TOLERANCE": "lots"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetGlobals(t)
			configFile = writeConfig(t, tt.config)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if err := setup(rootCmd, nil); err == nil {
				t.Error("expected setup to fail")
			}
		})
	}
}

func TestSetup_MissingExplicitConfig(t *testing.T) {
	resetGlobals(t)
	configFile = filepath.Join(t.TempDir(), "missing.yaml")

	if err := setup(rootCmd, nil); err == nil {
		t.Error("expected error for an explicit config that does not exist")
	}
}

func TestNewModel_MissingFiles(t *testing.T) {
	for _, backend := range []string{"dlib", "sface"} {
		t.Run(backend, func(t *testing.T) {
			resetGlobals(t)
			dir := t.TempDir()
			configFile = writeConfig(t, fmt.Sprintf(`
recognition:
  backend: %s
  model_path: %s
enrollment:
  dir: %s
acceleration:
  backend: cpu
`, backend, filepath.Join(dir, "models"), filepath.Join(dir, "faces")))

			if err := setup(rootCmd, nil); err != nil {
				t.Fatal(err)
			}

			model, err := newModel()
			if !errors.Is(err, recognition.ErrModelResourceMissing) {
				t.Fatalf("expected ErrModelResourceMissing, got %v", err)
			}
			if model != nil {
				t.Error("expected no model on error")
			}
		})
	}
}

func TestDownloadModels_SkipsExisting(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "models")
	configFile = writeConfig(t, fmt.Sprintf("recognition:\n  model_path: %s\nenrollment:\n  dir: %s\n",
		modelDir, filepath.Join(dir, "faces")))
	if err := setup(rootCmd, nil); err != nil {
		t.Fatal(err)
	}

	for _, m := range sfaceModels {
		if err := os.WriteFile(filepath.Join(modelDir, m.Name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	// Every file exists, so nothing is fetched.
	if err := cmdDownloadModels(nil); err != nil {
		t.Fatalf("cmdDownloadModels() error = %v", err)
	}
}
