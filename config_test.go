package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseSurgeRules(t *testing.T) {
	rules, err := ParseSurgeRules(" 90:2, 60:3 ,")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 || rules[0] != (SurgeRule{AfterSec: 60, MinPlayers: 3}) || rules[1] != (SurgeRule{AfterSec: 90, MinPlayers: 2}) {
		t.Errorf("rules must be sorted by AfterSec, got %+v", rules)
	}
	if rules, err := ParseSurgeRules(""); err != nil || rules != nil {
		t.Errorf("empty rules: %v %v", rules, err)
	}
	for _, bad := range []string{"60", "x:2", "60:0", "-1:2"} {
		if _, err := ParseSurgeRules(bad); err == nil {
			t.Errorf("%q must be rejected", bad)
		}
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.toml"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.Game.TickRate != def.Game.TickRate || cfg.Tournament.MinPlayers != def.Tournament.MinPlayers {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if cfg.TickInterval() != 15_000_000 {
		t.Errorf("expected a 15ms step, got %v", cfg.TickInterval())
	}
}

func TestLoadConfigOverlayAndFallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.toml")
	data := `
[Game]
TickRate = 0
BroadcastEvery = 3

[Lobby]
SurgeRules = "nonsense"

[Practice]
MaxPlayers = 8
MinPlayers = 1
CountdownSec = 2
BaseWidth = 3500.0
BaseHeight = 2500.0
ShrinkStartSec = 5.0
ShrinkDurationSec = 20.0
BotFill = 40
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.Game.BroadcastEvery != 3 || cfg.Practice.MaxPlayers != 8 || cfg.Practice.CountdownSec != 2 {
		t.Errorf("file values must overlay defaults, got %+v", cfg)
	}
	if cfg.Game.TickRate != def.Game.TickRate {
		t.Errorf("invalid tick rate must fall back, got %d", cfg.Game.TickRate)
	}
	if cfg.Lobby.SurgeRules != def.Lobby.SurgeRules {
		t.Errorf("invalid surge rules must fall back, got %q", cfg.Lobby.SurgeRules)
	}
	if cfg.Practice.BotFill != def.Practice.BotFill {
		t.Errorf("bot fill above capacity must fall back, got %d", cfg.Practice.BotFill)
	}
}

func TestLoadConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.toml")
	os.WriteFile(path, []byte("[Game\nTickRate = "), 0644)
	cfg, err := LoadConfig(path, quietLogger())
	if err == nil {
		t.Fatal("expected a parse error")
	}
	if cfg.Game.TickRate != DefaultConfig().Game.TickRate {
		t.Error("a parse error must still return defaults")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARENA_MAX_ROUNDS", "7")
	t.Setenv("ARENA_ENV", EnvDevelopment)
	t.Setenv("ARENA_TICK_RATE", "fast")
	cfg, err := LoadConfig("", quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.MaxRounds != 7 || !cfg.Development() {
		t.Errorf("env must override, got %+v", cfg.Server)
	}
	if cfg.Game.TickRate != DefaultConfig().Game.TickRate {
		t.Errorf("non-numeric env must be ignored, got %d", cfg.Game.TickRate)
	}
}

func TestSaveDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.toml")
	if err := SaveDefault(path); err != nil {
		t.Fatal(err)
	}
	if err := SaveDefault(path); err == nil {
		t.Error("existing file must not be overwritten")
	}
	cfg, err := LoadConfig(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.Tournament.Margin != def.Tournament.Margin || cfg.Lobby.SurgeRules != def.Lobby.SurgeRules {
		t.Errorf("round trip lost values: %+v", cfg)
	}
}

func TestModeAndTiers(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode(ModeTournament).MinPlayers != 4 || cfg.Mode("unknown").MinPlayers != 1 {
		t.Error("unknown modes fall back to practice")
	}
	if !cfg.ValidTier(25) || cfg.ValidTier(7) {
		t.Error("tier validation")
	}
}
