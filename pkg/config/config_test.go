package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := readConfig(&buf)
	if err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if len(c.DebugInfoDirectories) != 1 || c.DebugInfoDirectories[0] != "/usr/lib/debug/.build-id" {
		t.Fatalf("unexpected debug info directories %v", c.DebugInfoDirectories)
	}
	if c.GetEntrySymbol() != DefaultEntrySymbol {
		t.Fatalf("expected entry symbol %q, got %q", DefaultEntrySymbol, c.GetEntrySymbol())
	}
	if c.GetMaxStackDepth() != DefaultMaxStackDepth || c.GetMaxStepInstructions() != DefaultMaxStepInstructions {
		t.Fatal("unexpected defaults")
	}
	if !c.GetKillOnExit() {
		t.Fatal("kill-on-exit should default to true")
	}
}

func TestReadConfig(t *testing.T) {
	const in = `
entry-symbol: WinMain
max-stack-depth: 10
kill-on-exit: false
aliases:
  next: ["nn"]
substitute-path:
  - {from: /build/src, to: /home/me/src}
`
	c, err := readConfig(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if c.GetEntrySymbol() != "WinMain" || c.GetMaxStackDepth() != 10 || c.GetKillOnExit() {
		t.Fatalf("wrong values: %#v", c)
	}
	if got := c.Aliases["next"]; len(got) != 1 || got[0] != "nn" {
		t.Fatalf("wrong aliases %v", c.Aliases)
	}
	if got := c.SubstitutePath.Substitute("/build/src/main.c"); got != "/home/me/src/main.c" {
		t.Fatalf("substitute-path: got %q", got)
	}
	if got := c.SubstitutePath.Substitute("/other/main.c"); got != "/other/main.c" {
		t.Fatalf("substitute-path should not touch unrelated paths: got %q", got)
	}
}

func TestLoadSaveConfig(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("NDBG_CONFIG_DIR", dir)
	defer os.Unsetenv("NDBG_CONFIG_DIR")

	c := LoadConfig()
	if _, err := os.Stat(filepath.Join(dir, configFile)); err != nil {
		t.Fatalf("default config not created: %v", err)
	}
	c.EntrySymbol = "start"
	if err := SaveConfig(c); err != nil {
		t.Fatal(err)
	}
	if got := LoadConfig().GetEntrySymbol(); got != "start" {
		t.Fatalf("expected saved entry symbol, got %q", got)
	}
}
