package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"

	"github.com/mikky00B/Chess-Arena/server"
)

var (
	flagAddr       = flag.String("addr", "", "Listen address, e.g. :8080")
	flagDataDir    = flag.String("datadir", "", "Directory for database and logs")
	flagDebugLevel = flag.String("debuglevel", "", "Log level: debug, info, warn, error")
	flagJudgeKey   = flag.String("judgekey", "", "Hex-encoded settlement judge key")
	flagContract   = flag.String("contract", "", "Escrow contract address")
	flagEthRPC     = flag.String("ethrpc", "", "Ethereum RPC URL for the chain witness")
)

func realMain() error {
	flag.Parse()

	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	// Flags override the environment.
	if *flagAddr != "" {
		cfg.Addr = *flagAddr
	}
	if *flagDataDir != "" {
		cfg.DataDir = *flagDataDir
	}
	if *flagDebugLevel != "" {
		cfg.DebugLevel = *flagDebugLevel
	}
	if *flagJudgeKey != "" {
		cfg.JudgeKey = *flagJudgeKey
	}
	if *flagContract != "" {
		cfg.EscrowContract = *flagContract
	}
	if *flagEthRPC != "" {
		cfg.EthRPCURL = *flagEthRPC
	}
	if cfg.DataDir == "" {
		cfg.DataDir = utils.AppDataDir("arenad", false)
	}

	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(cfg.DataDir, "logs", "arenad.log"),
		DebugLevel:     cfg.DebugLevel,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	srv, err := server.NewServer(cfg, lb)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "arenad: %v\n", err)
		os.Exit(1)
	}
}
