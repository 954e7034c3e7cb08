package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/natefinch/lumberjack.v2"

	"provmarket/config"
	"provmarket/core/events"
	"provmarket/core/state"
	"provmarket/crypto"
	"provmarket/native/escrow"
	"provmarket/native/market"
	"provmarket/observability/logging"
	"provmarket/rpc"
	"provmarket/storage"
)

// Vault addresses used when the config does not pin them. They hold escrowed
// deposits and claimable proceeds respectively and must never collide with a
// user account.
var (
	defaultEscrowVault  = derivedVault("provmarket/escrow-vault")
	defaultProfitsVault = derivedVault("provmarket/profits-vault")
)

func derivedVault(label string) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256([]byte(label))[12:])
	return out
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var logSink io.Writer = os.Stdout
	if strings.TrimSpace(cfg.LogFile) != "" {
		logSink = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		})
	}
	logger := logging.Setup(logSink, "provmarketd", cfg.NetworkName)

	escrowVault, err := resolveVault(cfg.EscrowVault, defaultEscrowVault)
	if err != nil {
		logger.Error("Invalid escrow vault address", slog.Any("error", err))
		os.Exit(1)
	}
	profitsVault, err := resolveVault(cfg.ProfitsVault, defaultProfitsVault)
	if err != nil {
		logger.Error("Invalid profits vault address", slog.Any("error", err))
		os.Exit(1)
	}
	if escrowVault == profitsVault {
		logger.Error("Escrow and profits vaults must differ")
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager := state.NewManager[market.Deed](db)
	ledger := market.NewLedger[market.Deed](manager, profitsVault)
	engine := escrow.NewEngine[market.Deed](manager, ledger, escrowVault)

	recorder := events.NewRecorder(cfg.EventHistory)
	ledger.SetEmitter(recorder)
	engine.SetEmitter(recorder)

	server := rpc.NewServer(engine, manager, recorder)
	server.SetLogger(logger)
	server.SetRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)
	server.SetTimeouts(cfg.RPCReadTimeout, cfg.RPCIdleTimeout)
	if cfg.DevFaucet {
		logger.Warn("Dev faucet enabled; do not expose this node publicly")
		server.EnableDevFaucet()
	}

	logger.Info("provmarketd starting",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress),
		slog.String("dataDir", cfg.DataDir),
		slog.String("escrowVault", crypto.NewAddress(escrowVault[:]).String()),
		slog.String("profitsVault", crypto.NewAddress(profitsVault[:]).String()),
	)

	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func resolveVault(configured string, fallback [20]byte) ([20]byte, error) {
	trimmed := strings.TrimSpace(configured)
	if trimmed == "" {
		return fallback, nil
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}
