package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggingConfig     `yaml:"log"`
	REST        RESTConfig        `yaml:"rest"`
	WS          WSConfig          `yaml:"ws"`
	State       StateConfig       `yaml:"state"`
	Instruments InstrumentsConfig `yaml:"instruments"`
	Grid        GridConfig        `yaml:"grid"`
	Pairing     PairingConfig     `yaml:"pairing"`
	Recon       ReconConfig       `yaml:"recon"`
	Startup     StartupConfig     `yaml:"startup"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Timescale   TimescaleConfig   `yaml:"timescale"`
	Telegram    TelegramConfig    `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
}

type WSConfig struct {
	PublicURL      string        `yaml:"public_url"`
	PrivateURL     string        `yaml:"private_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath       string        `yaml:"sqlite_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type InstrumentsConfig struct {
	LegA string `yaml:"leg_a"`
	LegB string `yaml:"leg_b"`

	// Optional lot size overrides; when zero the steps are fetched from
	// the venue's instrument info at startup.
	LegAQtyStep float64 `yaml:"leg_a_qty_step"`
	LegBQtyStep float64 `yaml:"leg_b_qty_step"`
}

type GridConfig struct {
	Levels               []float64       `yaml:"levels"`
	BaseNotionalPerLevel float64         `yaml:"base_notional_per_level"`
	PositionWeights      map[int]float64 `yaml:"position_weights"`
	MaxTotalNotional     float64         `yaml:"max_total_notional"`
	ExtremeSpreadStop    float64         `yaml:"extreme_spread_stop"`
}

type PairingConfig struct {
	LegOpenTimeout  time.Duration `yaml:"leg_open_timeout"`
	LegCloseTimeout time.Duration `yaml:"leg_close_timeout"`
}

type ReconConfig struct {
	Interval               time.Duration `yaml:"interval"`
	DriftThreshold         float64       `yaml:"drift_threshold"`
	ImbalanceAlertFraction float64       `yaml:"imbalance_alert_fraction"`
}

type StartupConfig struct {
	Delay                            time.Duration `yaml:"delay"`
	InitialConfirmedNotionalOverride float64       `yaml:"initial_confirmed_notional_override"`
	SyncMatchFraction                float64       `yaml:"sync_match_fraction"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TimescaleConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DSN          string `yaml:"dsn"`
	Schema       string `yaml:"schema"`
	QueueSize    int    `yaml:"queue_size"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.bybit.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RateLimit == 0 {
		cfg.REST.RateLimit = 10
	}
	if cfg.REST.Burst == 0 {
		cfg.REST.Burst = 10
	}
	if cfg.WS.PublicURL == "" {
		cfg.WS.PublicURL = "wss://stream.bybit.com/v5/public/linear"
	}
	if cfg.WS.PrivateURL == "" {
		cfg.WS.PrivateURL = "wss://stream.bybit.com/v5/private"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/spread-grid-bot.db"
	}
	if cfg.State.SnapshotInterval == 0 {
		cfg.State.SnapshotInterval = 30 * time.Second
	}
	if cfg.Pairing.LegOpenTimeout == 0 {
		cfg.Pairing.LegOpenTimeout = 30 * time.Second
	}
	if cfg.Pairing.LegCloseTimeout == 0 {
		cfg.Pairing.LegCloseTimeout = 30 * time.Second
	}
	if cfg.Recon.Interval == 0 {
		cfg.Recon.Interval = 60 * time.Second
	}
	if cfg.Recon.DriftThreshold == 0 {
		cfg.Recon.DriftThreshold = 100
	}
	if cfg.Recon.ImbalanceAlertFraction == 0 {
		cfg.Recon.ImbalanceAlertFraction = 0.2
	}
	if cfg.Startup.Delay == 0 {
		cfg.Startup.Delay = 10 * time.Second
	}
	if cfg.Startup.SyncMatchFraction == 0 {
		cfg.Startup.SyncMatchFraction = 0.8
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 1024
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.MaxOpenConns == 0 {
		cfg.Timescale.MaxOpenConns = 4
	}
	if cfg.Timescale.MaxIdleConns == 0 {
		cfg.Timescale.MaxIdleConns = 2
	}
}

func validate(cfg *Config) error {
	if cfg.Instruments.LegA == "" || cfg.Instruments.LegB == "" {
		return errors.New("instruments.leg_a and instruments.leg_b are required")
	}
	if cfg.Instruments.LegA == cfg.Instruments.LegB {
		return errors.New("instruments.leg_a and instruments.leg_b must differ")
	}
	if cfg.Instruments.LegAQtyStep < 0 || cfg.Instruments.LegBQtyStep < 0 {
		return errors.New("instrument qty steps must not be negative")
	}
	if len(cfg.Grid.Levels) == 0 {
		return errors.New("grid.levels must list at least one spread threshold")
	}
	prev := 0.0
	for i, lv := range cfg.Grid.Levels {
		if lv <= 0 {
			return fmt.Errorf("grid.levels[%d] must be > 0", i)
		}
		if lv <= prev {
			return fmt.Errorf("grid.levels must be ascending and unique, got %v after %v", lv, prev)
		}
		prev = lv
	}
	if cfg.Grid.BaseNotionalPerLevel <= 0 {
		return errors.New("grid.base_notional_per_level must be > 0")
	}
	if cfg.Grid.MaxTotalNotional <= 0 {
		return errors.New("grid.max_total_notional must be > 0")
	}
	for idx, w := range cfg.Grid.PositionWeights {
		if idx < 0 || idx >= len(cfg.Grid.Levels) {
			return fmt.Errorf("grid.position_weights: level index %d out of range", idx)
		}
		if w <= 0 {
			return fmt.Errorf("grid.position_weights[%d] must be > 0", idx)
		}
	}
	if cfg.Grid.ExtremeSpreadStop > 0 && cfg.Grid.ExtremeSpreadStop <= cfg.Grid.Levels[len(cfg.Grid.Levels)-1] {
		return errors.New("grid.extreme_spread_stop must exceed the highest grid level")
	}
	if cfg.Startup.SyncMatchFraction < 0 || cfg.Startup.SyncMatchFraction > 1 {
		return errors.New("startup.sync_match_fraction must be within (0, 1]")
	}
	if cfg.Recon.ImbalanceAlertFraction < 0 || cfg.Recon.ImbalanceAlertFraction > 1 {
		return errors.New("recon.imbalance_alert_fraction must be within (0, 1]")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale.enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram.enabled")
	}
	return nil
}

// GridLevels expands levels plus weights into the registry's input.
type GridLevel struct {
	Threshold float64
	Weight    float64
}

func (c GridConfig) GridLevels() []GridLevel {
	out := make([]GridLevel, len(c.Levels))
	for i, lv := range c.Levels {
		w := 1.0
		if cw, ok := c.PositionWeights[i]; ok {
			w = cw
		}
		out[i] = GridLevel{Threshold: lv, Weight: w}
	}
	return out
}
