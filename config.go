package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

// GameMode selects the lobby and arena rules
type GameMode string

const (
	ModePractice   GameMode = "practice"
	ModeTournament GameMode = "tournament"
)

const EnvDevelopment = "development"

// ModeConfig holds the per-mode lobby and arena rules
type ModeConfig struct {
	MaxPlayers        int
	MinPlayers        int
	CountdownSec      int
	BaseWidth         float64
	BaseHeight        float64
	Margin            float64 // extra arena border on each side
	ShrinkStartSec    float64
	ShrinkDurationSec float64
	BotFill           int // lobbies are topped up with bots to this size; 0 disables
}

// SurgeRule lowers the start threshold once a lobby has waited AfterSec
type SurgeRule struct {
	AfterSec   int
	MinPlayers int
}

// Config contains every tunable of the server
type Config struct {
	Server struct {
		Addr          string
		Env           string
		MaxConnsPerIP int
		MaxRounds     int
		Statsview     bool
		StatsviewAddr string
	}
	Log struct {
		Level  string
		Format string
	}
	Database struct {
		Path string
	}
	Sentry struct {
		DSN string
	}
	Auth struct {
		Secret        string
		TokenTTLHours int
	}
	Game struct {
		TickRate          int
		MaxFrameDeltaMs   int
		BroadcastEvery    int // ticks between snapshot broadcasts
		CompressSnapshots bool
		ResultLingerSec   int
		InputsPerSecond   int
	}
	Lobby struct {
		MaxWaitSec int
		RetrySec   int
		SurgeRules string
		EntryTiers []int
	}
	Practice   ModeConfig
	Tournament ModeConfig
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	var c Config
	c.Server.Addr = ":8080"
	c.Server.Env = "production"
	c.Server.MaxConnsPerIP = 10
	c.Server.MaxRounds = 100
	c.Server.StatsviewAddr = "localhost:18066"

	c.Log.Level = "info"
	c.Log.Format = "text"

	c.Database.Path = "arena.db"

	c.Auth.TokenTTLHours = 72

	c.Game.TickRate = 66
	c.Game.MaxFrameDeltaMs = 100
	c.Game.BroadcastEvery = 2
	c.Game.ResultLingerSec = 5
	c.Game.InputsPerSecond = 120

	c.Lobby.MaxWaitSec = 120
	c.Lobby.RetrySec = 5
	c.Lobby.SurgeRules = "60:3,90:2"
	c.Lobby.EntryTiers = []int{0, 1, 5, 25, 100}

	c.Practice = ModeConfig{
		MaxPlayers:        32,
		MinPlayers:        1,
		CountdownSec:      5,
		BaseWidth:         WorldWidth,
		BaseHeight:        WorldHeight,
		ShrinkStartSec:    10,
		ShrinkDurationSec: 32,
		BotFill:           6,
	}
	c.Tournament = ModeConfig{
		MaxPlayers:        32,
		MinPlayers:        4,
		CountdownSec:      15,
		BaseWidth:         WorldWidth,
		BaseHeight:        WorldHeight,
		Margin:            150,
		ShrinkStartSec:    15,
		ShrinkDurationSec: 45,
	}
	return c
}

// LoadConfig builds the configuration from defaults, an optional TOML file,
// .env and the process environment. Invalid values fall back to defaults.
func LoadConfig(path string, log logrus.FieldLogger) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return DefaultConfig(), fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env")
	}
	cfg.applyEnv(log)
	cfg.sanitize(log)
	return cfg, nil
}

// SaveDefault writes the default configuration to path unless a file exists there
func SaveDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.New("config file already exists")
	}
	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(log logrus.FieldLogger) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			log.WithField("key", key).Warnf("ignoring non-numeric value %q", v)
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.WithField("key", key).Warnf("ignoring non-boolean value %q", v)
			return
		}
		*dst = b
	}

	str("ARENA_ADDR", &c.Server.Addr)
	str("ARENA_ENV", &c.Server.Env)
	str("ARENA_LOG_LEVEL", &c.Log.Level)
	str("ARENA_LOG_FORMAT", &c.Log.Format)
	str("ARENA_DB_PATH", &c.Database.Path)
	str("ARENA_JWT_SECRET", &c.Auth.Secret)
	str("SENTRY_DSN", &c.Sentry.DSN)
	str("STATSVIEW_ADDR", &c.Server.StatsviewAddr)
	str("LOBBY_SURGE_RULES", &c.Lobby.SurgeRules)
	num("ARENA_TICK_RATE", &c.Game.TickRate)
	num("ARENA_MAX_ROUNDS", &c.Server.MaxRounds)
	num("LOBBY_MAX_WAIT", &c.Lobby.MaxWaitSec)
	num("PRACTICE_BOT_FILL", &c.Practice.BotFill)
	flag("ARENA_COMPRESS", &c.Game.CompressSnapshots)
	flag("STATSVIEW", &c.Server.Statsview)
}

func (c *Config) sanitize(log logrus.FieldLogger) {
	def := DefaultConfig()
	warn := func(field string, bad, fallback any) {
		log.WithField("field", field).Warnf("invalid value %v, using %v", bad, fallback)
	}
	if c.Game.TickRate <= 0 || c.Game.TickRate > 240 {
		warn("Game.TickRate", c.Game.TickRate, def.Game.TickRate)
		c.Game.TickRate = def.Game.TickRate
	}
	if c.Game.MaxFrameDeltaMs <= 0 {
		warn("Game.MaxFrameDeltaMs", c.Game.MaxFrameDeltaMs, def.Game.MaxFrameDeltaMs)
		c.Game.MaxFrameDeltaMs = def.Game.MaxFrameDeltaMs
	}
	if c.Game.BroadcastEvery <= 0 {
		warn("Game.BroadcastEvery", c.Game.BroadcastEvery, def.Game.BroadcastEvery)
		c.Game.BroadcastEvery = def.Game.BroadcastEvery
	}
	if c.Game.InputsPerSecond <= 0 {
		warn("Game.InputsPerSecond", c.Game.InputsPerSecond, def.Game.InputsPerSecond)
		c.Game.InputsPerSecond = def.Game.InputsPerSecond
	}
	if c.Lobby.MaxWaitSec <= 0 {
		warn("Lobby.MaxWaitSec", c.Lobby.MaxWaitSec, def.Lobby.MaxWaitSec)
		c.Lobby.MaxWaitSec = def.Lobby.MaxWaitSec
	}
	if c.Lobby.RetrySec <= 0 {
		c.Lobby.RetrySec = def.Lobby.RetrySec
	}
	if _, err := ParseSurgeRules(c.Lobby.SurgeRules); err != nil {
		warn("Lobby.SurgeRules", c.Lobby.SurgeRules, def.Lobby.SurgeRules)
		c.Lobby.SurgeRules = def.Lobby.SurgeRules
	}
	if len(c.Lobby.EntryTiers) == 0 {
		c.Lobby.EntryTiers = def.Lobby.EntryTiers
	}
	if c.Server.MaxRounds <= 0 {
		c.Server.MaxRounds = def.Server.MaxRounds
	}
	if c.Server.MaxConnsPerIP <= 0 {
		c.Server.MaxConnsPerIP = def.Server.MaxConnsPerIP
	}
	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = def.Auth.TokenTTLHours
	}
	sanitizeMode("Practice", &c.Practice, def.Practice, warn)
	sanitizeMode("Tournament", &c.Tournament, def.Tournament, warn)
}

func sanitizeMode(name string, m *ModeConfig, def ModeConfig, warn func(string, any, any)) {
	if m.MaxPlayers < 1 {
		warn(name+".MaxPlayers", m.MaxPlayers, def.MaxPlayers)
		m.MaxPlayers = def.MaxPlayers
	}
	if m.MinPlayers < 1 || m.MinPlayers > m.MaxPlayers {
		warn(name+".MinPlayers", m.MinPlayers, def.MinPlayers)
		m.MinPlayers = def.MinPlayers
	}
	if m.CountdownSec < 0 {
		warn(name+".CountdownSec", m.CountdownSec, def.CountdownSec)
		m.CountdownSec = def.CountdownSec
	}
	if m.BaseWidth < ArenaMinWidth || m.BaseHeight < ArenaMinHeight {
		warn(name+".BaseWidth/BaseHeight", fmt.Sprintf("%vx%v", m.BaseWidth, m.BaseHeight), fmt.Sprintf("%vx%v", def.BaseWidth, def.BaseHeight))
		m.BaseWidth, m.BaseHeight = def.BaseWidth, def.BaseHeight
	}
	if m.Margin < 0 {
		m.Margin = 0
	}
	if m.ShrinkStartSec < 0 || m.ShrinkDurationSec <= 0 {
		warn(name+".Shrink", m.ShrinkDurationSec, def.ShrinkDurationSec)
		m.ShrinkStartSec, m.ShrinkDurationSec = def.ShrinkStartSec, def.ShrinkDurationSec
	}
	if m.BotFill < 0 || m.BotFill > m.MaxPlayers {
		m.BotFill = def.BotFill
	}
}

// Mode returns the rules for mode, falling back to practice for unknown modes
func (c Config) Mode(mode GameMode) ModeConfig {
	if mode == ModeTournament {
		return c.Tournament
	}
	return c.Practice
}

// Development reports whether invariant violations should panic
func (c Config) Development() bool {
	return c.Server.Env == EnvDevelopment
}

// TickInterval is the fixed simulation step
func (c Config) TickInterval() time.Duration {
	return time.Duration(1000/c.Game.TickRate) * time.Millisecond
}

// MaxFrameDelta bounds how much real time one wake-up may feed the loop
func (c Config) MaxFrameDelta() time.Duration {
	return time.Duration(c.Game.MaxFrameDeltaMs) * time.Millisecond
}

// ValidTier reports whether tier is one of the configured entry tiers
func (c Config) ValidTier(tier int) bool {
	for _, t := range c.Lobby.EntryTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// ParseSurgeRules parses "afterSec:minPlayers" pairs separated by commas,
// returning them sorted by AfterSec
func ParseSurgeRules(s string) ([]SurgeRule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var rules []SurgeRule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sec, minp, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("surge rule %q: missing ':'", part)
		}
		a, err := strconv.Atoi(strings.TrimSpace(sec))
		if err != nil || a < 0 {
			return nil, fmt.Errorf("surge rule %q: bad seconds", part)
		}
		m, err := strconv.Atoi(strings.TrimSpace(minp))
		if err != nil || m < 1 {
			return nil, fmt.Errorf("surge rule %q: bad player count", part)
		}
		rules = append(rules, SurgeRule{AfterSec: a, MinPlayers: m})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].AfterSec < rules[j].AfterSec })
	return rules, nil
}
