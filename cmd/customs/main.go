// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Command customs runs the Bitcoin Runes Customs process: the background
// scheduler, and the six user-facing operations in spec.md §6 as
// subcommands against the running event log.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/octopus-network/bitcoin-runes-customs/address"
	appconfig "github.com/octopus-network/bitcoin-runes-customs/config"
	"github.com/octopus-network/bitcoin-runes-customs/deposit"
	"github.com/octopus-network/bitcoin-runes-customs/external"
	"github.com/octopus-network/bitcoin-runes-customs/finalize"
	"github.com/octopus-network/bitcoin-runes-customs/release"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
	"github.com/octopus-network/bitcoin-runes-customs/scheduler"
	"github.com/octopus-network/bitcoin-runes-customs/state"
	"github.com/octopus-network/bitcoin-runes-customs/state/eventlog"
	"github.com/octopus-network/bitcoin-runes-customs/txcodec"
)

// app bundles every long-lived component a subcommand or the scheduler
// needs, built once in main() from the loaded configuration.
type app struct {
	log         *eventlog.Log
	deposit     *deposit.Pipeline
	release     *release.Pipeline
	finalize    *finalize.Pipeline
	tokenToRune map[string]runestone.RuneID
}

// buildAdapters constructs the three trusted external collaborators this
// process depends on. Production adapters (a Bitcoin RPC/indexer client, a
// threshold-ECDSA client, a hub client) are outside this module's scope -
// spec.md models them purely as interfaces with "no default network
// implementation", so this function is the one seam a deployment must fill
// in with its own build of the external package's interfaces.
var buildAdapters = func(cfg *appconfig.Config, logger *logrus.Entry) (external.BitcoinNode, external.EcdsaSigner, external.Hub, error) {
	return nil, nil, nil, fmt.Errorf("customs: no production adapters registered for node/signer/hub; wire external.BitcoinNode, external.EcdsaSigner and external.Hub implementations and set buildAdapters before running")
}

func main() {
	logger := logrus.New().WithField("component", "customs")

	cfg, err := appconfig.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize")
	}

	var opts struct{}
	parser := flags.NewParser(&opts, flags.Default)
	registerCommands(parser, a, logger)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}
}

func newApp(cfg *appconfig.Config, logger *logrus.Entry) (*app, error) {
	node, signer, hub, err := buildAdapters(cfg, logger)
	if err != nil {
		return nil, err
	}

	tokenToRune, err := cfg.TokenToRune()
	if err != nil {
		return nil, err
	}

	stateCfg, err := cfg.StateConfig(nil)
	if err != nil {
		return nil, err
	}

	f, events, err := openEventLog(cfg.EventLogPath, stateCfg)
	if err != nil {
		return nil, err
	}

	st, err := eventlog.Replay(events)
	if err != nil {
		return nil, fmt.Errorf("customs: replay event log: %w", err)
	}

	log := eventlog.New(f, st)
	keys := address.NewKeyStore(st.Config.BtcNetwork)
	txSigner := txcodec.NewSigner(cfg.EcdsaKeyName, signer)

	depositPipeline := deposit.New(log, keys, node, hub, cfg.EcdsaKeyName, tokenToRune, logger.WithField("pipeline", "deposit"))
	releasePipeline := release.New(log, keys, node, txSigner, hub, cfg.EcdsaKeyName, logger.WithField("pipeline", "release"))
	finalizePipeline := finalize.New(log, keys, node, releasePipeline, cfg.EcdsaKeyName, logger.WithField("pipeline", "finalize"))

	return &app{
		log:         log,
		deposit:     depositPipeline,
		release:     releasePipeline,
		finalize:    finalizePipeline,
		tokenToRune: tokenToRune,
	}, nil
}

// openEventLog opens path for append, seeding it with an Init event and a
// fresh state.Config if it doesn't exist yet, and returns every event
// currently on disk (including the seed, if just written) for replay.
func openEventLog(path string, seedCfg state.Config) (*os.File, []eventlog.Event, error) {
	existing, err := os.Open(path)
	switch {
	case err == nil:
		defer existing.Close()
		events, err := eventlog.ReadAll(existing)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, events, nil
	case os.IsNotExist(err):
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		seed := eventlog.Event{Kind: eventlog.KindInit, Init: &eventlog.InitPayload{Config: seedCfg}}
		tmp := eventlog.New(f, state.New(seedCfg))
		if err := tmp.Append(seed); err != nil {
			return nil, nil, err
		}
		return f, []eventlog.Event{seed}, nil
	default:
		return nil, nil, err
	}
}

func registerCommands(parser *flags.Parser, a *app, logger *logrus.Entry) {
	mustAdd(parser, "get-btc-address", "Derive a user's deposit address", &getBtcAddressCmd{app: a})
	mustAdd(parser, "get-main-btc-address", "Derive the customs' main address for a token", &getMainBtcAddressCmd{app: a})
	mustAdd(parser, "generate-ticket", "Register a pending deposit", &generateTicketCmd{app: a})
	mustAdd(parser, "generate-ticket-status", "Query a deposit's lifecycle stage", &generateTicketStatusCmd{app: a})
	mustAdd(parser, "release-token-status", "Query a release's lifecycle stage", &releaseTokenStatusCmd{app: a})
	mustAdd(parser, "update-btc-utxos", "Refresh the fee pool from the BTC main address", &updateBtcUtxosCmd{app: a})
	mustAdd(parser, "run", "Run the background scheduler", &runCmd{app: a, logger: logger})
}

func mustAdd(parser *flags.Parser, name, short string, cmd interface{}) {
	if _, err := parser.AddCommand(name, short, short, cmd); err != nil {
		panic(err)
	}
}

type getBtcAddressCmd struct {
	app           *app
	TargetChainID string `long:"chain" required:"true"`
	Receiver      string `long:"receiver" required:"true"`
	TokenID       string `long:"token"`
}

func (c *getBtcAddressCmd) Execute(_ []string) error {
	dest := address.Destination{TargetChainID: c.TargetChainID, Receiver: c.Receiver}
	if c.TokenID != "" {
		dest.Token = &c.TokenID
	}
	display, err := c.app.deposit.GetBtcAddress(dest)
	if err != nil {
		return err
	}
	fmt.Println(display)
	return nil
}

type getMainBtcAddressCmd struct {
	app     *app
	TokenID string `long:"token" required:"true"`
}

func (c *getMainBtcAddressCmd) Execute(_ []string) error {
	display, err := c.app.deposit.GetMainBtcAddress(c.TokenID)
	if err != nil {
		return err
	}
	fmt.Println(display)
	return nil
}

type generateTicketCmd struct {
	app           *app
	Txid          string `long:"txid" required:"true"`
	TargetChainID string `long:"chain" required:"true"`
	Receiver      string `long:"receiver" required:"true"`
	TokenID       string `long:"token" required:"true"`
	RuneID        string `long:"rune-id" required:"true"`
	Amount        string `long:"amount" required:"true"`
}

func (c *generateTicketCmd) Execute(_ []string) error {
	runeID, err := runestone.NewRuneIDFromString(c.RuneID)
	if err != nil {
		return fmt.Errorf("invalid --rune-id: %w", err)
	}
	amount, ok := new(big.Int).SetString(c.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid --amount: %q", c.Amount)
	}

	return c.app.deposit.GenerateTicket(context.Background(), deposit.GenerateTicketArgs{
		Txid:          c.Txid,
		TargetChainID: c.TargetChainID,
		Receiver:      c.Receiver,
		TokenID:       c.TokenID,
		RuneID:        runeID,
		Amount:        amount,
	})
}

type generateTicketStatusCmd struct {
	app  *app
	Txid string `long:"txid" required:"true"`
}

func (c *generateTicketStatusCmd) Execute(_ []string) error {
	kind, _ := c.app.deposit.GenerateTicketStatus(c.Txid)
	fmt.Println(genTicketKindString(kind))
	return nil
}

func genTicketKindString(kind state.GenTicketKind) string {
	switch kind {
	case state.GenTicketPending:
		return "pending"
	case state.GenTicketConfirmed:
		return "confirmed"
	case state.GenTicketFinalized:
		return "finalized"
	case state.GenTicketInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type releaseTokenStatusCmd struct {
	app      *app
	TicketID string `long:"ticket-id" required:"true"`
}

func (c *releaseTokenStatusCmd) Execute(_ []string) error {
	status := c.app.release.ReleaseTokenStatus(c.TicketID)
	fmt.Println(releaseStatusKindString(status.Kind), status.Txid)
	return nil
}

func releaseStatusKindString(kind state.ReleaseStatusKind) string {
	switch kind {
	case state.ReleasePending:
		return "pending"
	case state.ReleaseSigning:
		return "signing"
	case state.ReleaseSending:
		return "sending"
	case state.ReleaseSubmitted:
		return "submitted"
	case state.ReleaseConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

type updateBtcUtxosCmd struct {
	app *app
}

func (c *updateBtcUtxosCmd) Execute(_ []string) error {
	return c.app.deposit.UpdateBtcUtxos(context.Background())
}

type runCmd struct {
	app    *app
	logger *logrus.Entry
}

func (c *runCmd) Execute(_ []string) error {
	sched := scheduler.New(c.app.log, c.app.release, c.app.finalize, c.app.tokenToRune, c.logger.WithField("component", "scheduler"))
	sched.Run(context.Background())
	return nil
}
