package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"creditmarket/config"
	"creditmarket/core/events"
	"creditmarket/core/state"
	"creditmarket/core/types"
	"creditmarket/crypto"
	"creditmarket/native/market"
	"creditmarket/observability/logging"
	"creditmarket/rpc"
	"creditmarket/storage"
)

// logEmitter forwards market events to structured logs.
type logEmitter struct {
	logger *slog.Logger
}

type attributed interface {
	Event() *types.Event
}

func (l logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	args := []any{"type", evt.EventType()}
	if carrier, ok := evt.(attributed); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				args = append(args, key, value)
			}
		}
	}
	l.logger.Info("market event", args...)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CREDITMARKET_ENV"))
	logger := logging.Setup("creditmarket", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database at %s: %v", cfg.DataDir, err))
	}
	defer db.Close()

	marketAddr, err := cfg.Market.Address()
	if err != nil {
		panic(fmt.Sprintf("Invalid market address: %v", err))
	}
	params, err := cfg.Market.Params()
	if err != nil {
		panic(fmt.Sprintf("Invalid market parameters: %v", err))
	}

	store := state.NewMarketStore(db)
	token := state.NewLedgerToken(db, marketAddr)
	auth := market.NewStaticAuth()
	for _, raw := range cfg.Market.SanctionedAccounts {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
		if err != nil {
			panic(fmt.Sprintf("Invalid sanctioned account %q: %v", raw, err))
		}
		auth.Sanction(addr)
	}

	engine := market.NewEngine(marketAddr, params)
	engine.SetState(store)
	engine.SetAsset(token)
	engine.SetAuth(auth)
	engine.SetEmitter(logEmitter{logger: logger})

	firstBoot, err := store.GetMarketState()
	if err != nil {
		panic(fmt.Sprintf("Failed to read market state: %v", err))
	}
	if err := engine.EnsureGenesis(); err != nil {
		panic(fmt.Sprintf("Failed to initialise market: %v", err))
	}
	if firstBoot == nil {
		if err := seedGenesis(cfg, store, token); err != nil {
			panic(fmt.Sprintf("Failed to seed genesis records: %v", err))
		}
		logger.Info("market genesis written",
			"market", marketAddr.String(),
			"borrower", params.Borrower.String(),
			"maxTotalSupply", params.MaxTotalSupply.String(),
		)
	}

	server := rpc.NewServer(engine, logger)
	server.SetRateLimit(cfg.RPCRateLimitPerMinute, cfg.RPCRateLimitBurst)
	logger.Info("creditmarket node ready", "network", cfg.NetworkName, "rpc", cfg.RPCAddress)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("rpc server stopped", "err", err)
		os.Exit(1)
	}
}

// seedGenesis applies first-boot balances and lender authorizations.
func seedGenesis(cfg *config.Config, store *state.MarketStore, token *state.LedgerToken) error {
	for _, entry := range cfg.Genesis.Balances {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(entry.Address))
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(entry.Amount), 10)
		if !ok {
			return fmt.Errorf("invalid genesis amount %q", entry.Amount)
		}
		if amount.Sign() > 0 {
			if err := token.Mint(addr, amount); err != nil {
				return err
			}
		}
	}
	for _, raw := range cfg.Market.AuthorizedLenders {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		acct, err := store.GetAccount(addr)
		if err != nil {
			return err
		}
		if acct == nil {
			acct = &types.Account{ScaledBalance: big.NewInt(0)}
		}
		acct.Role = types.RoleDepositAndWithdraw
		if err := store.PutAccount(addr, acct); err != nil {
			return err
		}
	}
	return nil
}
