// Package config loads the server configuration and genesis parameters
// from a YAML file, with environment overrides for deployment secrets.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts values like "30s" or "24h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// GenesisAccount is an initial balance allocation. Amounts are minted at
// startup so asset conservation holds from block zero.
type GenesisAccount struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Watt    int64  `yaml:"watt"`
	Grid    int64  `yaml:"grid"`
}

// Genesis holds every deterministic-core parameter.
type Genesis struct {
	// Market
	GridFeeRate  int64 `yaml:"grid_fee_rate"` // basis points
	MinOrderSize int64 `yaml:"min_order_size"`
	MaxOrderSize int64 `yaml:"max_order_size"`
	MinPrice     int64 `yaml:"min_price"`
	MaxPrice     int64 `yaml:"max_price"`
	MarketOpen   bool  `yaml:"market_open"`

	// Staking and governance
	MinStakeAmount    int64  `yaml:"min_stake_amount"`
	StakingRewardRate int64  `yaml:"staking_reward_rate"` // basis points, annual
	BlocksPerYear     uint64 `yaml:"blocks_per_year"`
	VotingPeriod      uint64 `yaml:"voting_period"`

	// Chain
	Difficulty   int   `yaml:"difficulty"`
	MiningReward int64 `yaml:"mining_reward"`

	Validators []string         `yaml:"validators"`
	Accounts   []GenesisAccount `yaml:"accounts"`
}

// Config is the full server configuration.
type Config struct {
	Server struct {
		Addr         string   `yaml:"addr"`
		MineInterval Duration `yaml:"mine_interval"` // 0 disables auto-mining
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string   `yaml:"jwt_secret"`
		TokenTTL  Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Genesis Genesis `yaml:"genesis"`
}

// Default returns a development configuration matching the original
// system's genesis parameters.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Auth.TokenTTL = Duration(24 * time.Hour)
	cfg.Genesis = Genesis{
		GridFeeRate:       500,
		MinOrderSize:      100,
		MaxOrderSize:      100000,
		MinPrice:          100,
		MaxPrice:          100000,
		MarketOpen:        true,
		MinStakeAmount:    1000,
		StakingRewardRate: 800,
		BlocksPerYear:     6000,
		VotingPeriod:      100,
		Difficulty:        4,
		MiningReward:      10,
	}
	return cfg
}

// Load reads the YAML file at path, applies environment overrides, and
// returns the merged configuration. A missing path yields the defaults. A
// .env file is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if v := os.Getenv("EXCHANGE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = Duration(24 * time.Hour)
	}
	return cfg, nil
}
