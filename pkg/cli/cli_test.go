package cli

import (
	"os"
	"path/filepath"
	"testing"
)

// withProjectRoot points the package-level flags at a temp project for the
// duration of one test.
func withProjectRoot(t *testing.T, root string) {
	t.Helper()
	oldRoot, oldCfg := projectRoot, cfgFile
	projectRoot, cfgFile = root, ""
	t.Cleanup(func() {
		projectRoot, cfgFile = oldRoot, oldCfg
	})
}

func writeConfig(t *testing.T, root, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, "conveyor.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRunInit_CreatesLoadableConfig(t *testing.T) {
	root := t.TempDir()
	withProjectRoot(t, root)

	if err := runInit("demo", false); err != nil {
		t.Fatalf("init: %v", err)
	}

	cfg, err := loadPipelineConfig()
	if err != nil {
		t.Fatalf("generated config must load: %v", err)
	}
	if cfg.Name != "demo" {
		t.Errorf("expected name demo, got %q", cfg.Name)
	}

	if err := runInit("demo", false); err == nil {
		t.Error("init without --force must refuse to overwrite")
	}
	if err := runInit("demo", true); err != nil {
		t.Errorf("init --force must overwrite: %v", err)
	}
}

func TestRunValidate_AcceptsValidConfig(t *testing.T) {
	root := t.TempDir()
	withProjectRoot(t, root)
	writeConfig(t, root, `
version: "1"
name: demo
jobs:
  - name: build
    steps:
      - name: compile
        run: make
  - name: test
    dependsOn: [build]
    steps:
      - name: test
        run: make test
`)

	if err := runValidate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestRunValidate_RejectsCycle(t *testing.T) {
	root := t.TempDir()
	withProjectRoot(t, root)
	writeConfig(t, root, `
version: "1"
name: demo
jobs:
  - name: a
    dependsOn: [b]
    steps: [{name: s, run: x}]
  - name: b
    dependsOn: [a]
    steps: [{name: s, run: x}]
`)

	if err := runValidate(); err == nil {
		t.Error("expected cycle to fail validation")
	}
}

func TestRunValidate_RejectsBadFilterPattern(t *testing.T) {
	root := t.TempDir()
	withProjectRoot(t, root)
	writeConfig(t, root, `
version: "1"
name: demo
jobs:
  - name: deploy
    filter:
      tags:
        only: "v["
    steps: [{name: s, run: x}]
`)

	if err := runValidate(); err == nil {
		t.Error("expected malformed filter pattern to fail validation")
	}
}

func TestRunValidate_MissingConfig(t *testing.T) {
	withProjectRoot(t, t.TempDir())

	if err := runValidate(); err == nil {
		t.Error("expected error with no config present")
	}
}

func TestRunGraph(t *testing.T) {
	root := t.TempDir()
	withProjectRoot(t, root)
	writeConfig(t, root, `
version: "1"
name: demo
jobs:
  - name: build
    steps: [{name: s, run: x}]
  - name: test
    dependsOn: [build]
    steps: [{name: s, run: x}]
`)

	if err := runGraph(); err != nil {
		t.Errorf("graph command failed: %v", err)
	}
}
