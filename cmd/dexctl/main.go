package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/serumdex/params"
	"github.com/uhyunpark/serumdex/pkg/client"
	"github.com/uhyunpark/serumdex/pkg/crypto"
	"github.com/uhyunpark/serumdex/pkg/storage"
	"github.com/uhyunpark/serumdex/pkg/util"
)

// runner executes a command against a ready session.
type runner func(ctx context.Context, s *client.Session) error

// command registers its flags and returns the function that runs it once
// the flags are parsed.
type command struct {
	help     string
	register func(fs *flag.FlagSet) runner
}

var commands = map[string]command{
	"create-market":     {"create a market and its vaults", createMarketCmd},
	"resume-market":     {"resume an interrupted market creation, or list pending ones", resumeMarketCmd},
	"place-order":       {"place a limit, ioc or post-only order", placeOrderCmd},
	"cancel-order":      {"cancel an order by order id or client id", cancelOrderCmd},
	"settle":            {"settle free balances to the wallet's token accounts", settleCmd},
	"read-book":         {"print both sides of a market and the wallet's own orders", readBookCmd},
	"close-open-orders": {"close an empty open orders account", closeOpenOrdersCmd},
}

func printUsage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(os.Stderr, "usage: dexctl <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "commands:")
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-18s %s\n", name, commands[name].help)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "run dexctl <command> -h for the flags of a command")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", name)
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, name, cmd, os.Args[2:])
	stop()
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, name string, cmd command, args []string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	envPath := fs.String("env", "", "path to a .env file (default ./.env)")
	rpcURL := fs.String("rpc", "", "RPC endpoint, overrides SOLANA_RPC_URL")
	program := fs.String("program", "", "DEX program id, overrides DEX_PROGRAM_ID")
	keypair := fs.String("keypair", "", "solana-keygen wallet file, overrides WALLET_KEYPAIR")
	debug := fs.Bool("debug", false, "debug logging")
	exec := cmd.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Load config from .env file and environment variables, then flags
	cfg := params.LoadFromEnv(*envPath)
	if *rpcURL != "" {
		cfg.RPC.URL = *rpcURL
	}
	if *program != "" {
		cfg.Dex.ProgramID = *program
	}
	if *keypair != "" {
		cfg.Wallet.KeypairPath = *keypair
	}

	var logger *zap.Logger
	var err error
	if cfg.Storage.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Storage.LogFile, *debug)
	} else {
		logger, err = util.NewLogger(*debug)
	}
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	wallet, err := crypto.FromKeygenFile(cfg.Wallet.KeypairPath)
	if err != nil {
		return err
	}

	store, err := storage.NewPebbleStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			sugar.Warnw("store_close_failed", "err", err)
		}
	}()

	opts, err := client.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Logger = sugar
	opts.Store = store

	net := client.NewRPCNetwork(cfg.RPC.URL, cfg.RPC.Commitment, cfg.RPC.SkipPreflight)
	s, err := client.NewSession(net, wallet, opts)
	if err != nil {
		return err
	}
	sugar.Debugw("session_ready",
		"command", name,
		"rpc", cfg.RPC.URL,
		"program", opts.ProgramID,
		"wallet", wallet.PublicKey(),
	)
	return exec(ctx, s)
}
