package server

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the server configuration, populated from the environment
// (ARENA_ prefix) with flag overrides applied by the daemon.
type Config struct {
	Addr       string `envconfig:"ADDR" default:":8080"`
	DataDir    string `envconfig:"DATA_DIR" default:""`
	DebugLevel string `envconfig:"DEBUG_LEVEL" default:"info"`

	// JudgeKey is the hex-encoded settlement key. Without it the
	// server runs matches but cannot authorize payouts.
	JudgeKey        string `envconfig:"JUDGE_KEY"`
	EscrowContract  string `envconfig:"ESCROW_CONTRACT"`
	EthRPCURL       string `envconfig:"ETH_RPC_URL"`
	RequireDeposits bool   `envconfig:"REQUIRE_DEPOSITS" default:"false"`

	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`

	// AbandonTimeout is the escrow contract's abandonment window,
	// surfaced to clients so they know when claim_abandonment opens.
	AbandonTimeout time.Duration `envconfig:"ABANDON_TIMEOUT" default:"24h"`

	MinStake string `envconfig:"MIN_STAKE" default:"0"`
}

// LoadConfig reads ARENA_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("arena", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env config: %w", err)
	}
	return cfg, nil
}
