package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chanbet/chanbet-go/internal/bridge"
	"github.com/chanbet/chanbet-go/internal/channel"
	"github.com/chanbet/chanbet-go/internal/clearing"
	"github.com/chanbet/chanbet-go/internal/config"
	"github.com/chanbet/chanbet-go/internal/custody"
	"github.com/chanbet/chanbet-go/internal/fairness"
	"github.com/chanbet/chanbet-go/internal/session"
	"github.com/chanbet/chanbet-go/internal/store"
	"github.com/chanbet/chanbet-go/internal/token"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	root := newRootCmd(cfg, logger)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Env == "production" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func newRootCmd(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "chanbet",
		Short:         "Headless client for the chanbet betting protocol",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newOpenCmd(cfg, logger),
		newResumeCmd(cfg, logger),
		newPlayCmd(cfg, logger),
		newCashoutCmd(cfg, logger),
		newCloseCmd(cfg, logger),
		newStatusCmd(cfg),
		newVerifyCmd(),
		newServeCmd(cfg, logger),
	)
	return root
}

// app wires the full client stack for the commands that talk to the network.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	client  *session.Client
	cleanup []func()
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	var key *ecdsa.PrivateKey
	address := ""
	if cfg.PrivateKey != "" {
		var err error
		key, err = ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		address = ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	}

	ch, err := channel.New(channel.Options{
		BaseURL: cfg.ChannelURL,
		APIKey:  cfg.APIKey,
		Logger:  logger.Named("channel"),
	})
	if err != nil {
		return nil, err
	}

	var clearingAPI session.ClearingAPI = walletRequired{}
	if key != nil {
		cl, err := clearing.New(clearing.Options{
			URL:     cfg.ClearingURL,
			AppName: cfg.AppName,
			Signer:  clearing.NewKeySigner(key),
			Logger:  logger.Named("clearing"),
		})
		if err != nil {
			return nil, err
		}
		clearingAPI = cl
	}

	var custodyAPI session.CustodyAPI = chainDisabled{}
	if key != nil && cfg.ValidateChain() == nil {
		contracts, err := custody.NewEthContracts(
			cfg.RPCURL,
			common.HexToAddress(cfg.TokenAddress),
			common.HexToAddress(cfg.CustodyAddress),
			key,
			big.NewInt(cfg.ChainID),
		)
		if err != nil {
			return nil, fmt.Errorf("connect chain: %w", err)
		}
		custodyAPI = custody.NewFlow(contracts, logger.Named("custody"))
	}

	st, err := openStore(cfg, address)
	if err != nil {
		return nil, err
	}
	if closer, ok := st.(interface{ Close() error }); ok {
		a.cleanup = append(a.cleanup, func() { closer.Close() })
	}

	a.client = session.New(session.Options{
		Address:  address,
		Asset:    cfg.Asset,
		Channel:  ch,
		Clearing: clearingAPI,
		Custody:  custodyAPI,
		Store:    st,
		Logger:   logger.Named("session"),
	})
	a.cleanup = append(a.cleanup, a.client.Close)
	return a, nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func openStore(cfg *config.Config, address string) (store.Store, error) {
	if cfg.RedisURL != "" {
		return store.NewRedis(cfg.RedisURL, "", 0, address)
	}
	return store.NewFile(cfg.StorePath)
}

// walletRequired and chainDisabled back the optional dependencies; the
// lifecycle machine short-circuits before reaching them unless the operator
// actually asked for a wallet operation.
type walletRequired struct{}

func (walletRequired) Run(context.Context, clearing.Params, clearing.DepositFunc) (*clearing.Result, error) {
	return nil, errors.New("no wallet configured, set CHANBET_PRIVATE_KEY")
}
func (walletRequired) Dispose() {}

type chainDisabled struct{}

func (chainDisabled) EnsureAllowance(context.Context, *big.Int) error {
	return errors.New("on-chain custody not configured")
}
func (chainDisabled) Deposit(context.Context, *big.Int) error {
	return errors.New("on-chain custody not configured")
}
func (chainDisabled) Withdraw(context.Context, *big.Int) error {
	return errors.New("on-chain custody not configured")
}

func printState(cfg *config.Config, state session.State) {
	out := struct {
		session.State
		PlayerBalanceHuman string `json:"player_balance_human,omitempty"`
	}{State: state}
	if state.PlayerBalance != "" {
		out.PlayerBalanceHuman = token.FormatRaw(state.PlayerBalance, cfg.AssetDecimals)
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", state)
		return
	}
	fmt.Println(string(b))
}

func newOpenCmd(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	var deposit string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a new betting session",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := token.ParseAmount(deposit, cfg.AssetDecimals)
			if err != nil {
				return fmt.Errorf("parse deposit: %w", err)
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.client.OpenSession(cmd.Context(), raw.String()); err != nil {
				return err
			}
			printState(cfg, a.client.Snapshot())
			return nil
		},
	}
	cmd.Flags().StringVar(&deposit, "deposit", "", "deposit amount in asset units, e.g. 100.50")
	cmd.MarkFlagRequired("deposit")
	return cmd
}

func newResumeCmd(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.client.ResumeSession(cmd.Context()); err != nil {
				return err
			}
			state := a.client.Snapshot()
			if state.SessionPhase != session.PhaseActive {
				fmt.Println("no saved session to resume")
				return nil
			}
			printState(cfg, state)
			return nil
		},
	}
}

func newPlayCmd(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	var (
		game   string
		choice string
		bet    string
		rounds int
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play rounds in the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawBet, err := token.ParseAmount(bet, cfg.AssetDecimals)
			if err != nil {
				return fmt.Errorf("parse bet: %w", err)
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.client.ResumeSession(cmd.Context()); err != nil {
				return err
			}
			state := a.client.Snapshot()
			if state.SessionPhase != session.PhaseActive {
				return errors.New("no active session, run `chanbet open` first")
			}
			if state.GamePhase == session.GameNone {
				if err := a.client.StartGame(cmd.Context(), game); err != nil {
					return err
				}
			}

			for i := 0; i < rounds; i++ {
				record, err := a.client.PlayRound(cmd.Context(), parseChoice(choice), rawBet.String())
				if err != nil {
					return err
				}
				if record == nil {
					break
				}
				outcome := "lost"
				if record.PlayerWon {
					outcome = "won"
				}
				fmt.Printf("round %d: %s, payout %s\n",
					record.RoundNumber, outcome, token.FormatRaw(record.Payout, cfg.AssetDecimals))
				if record.GameOver {
					fmt.Println("game over")
					break
				}
			}
			printState(cfg, a.client.Snapshot())
			return nil
		},
	}
	cmd.Flags().StringVar(&game, "game", "", "game slug to play")
	cmd.Flags().StringVar(&choice, "choice", "", "bet choice, raw JSON or a plain string")
	cmd.Flags().StringVar(&bet, "bet", "", "bet amount in asset units")
	cmd.Flags().IntVar(&rounds, "rounds", 1, "number of rounds to play")
	cmd.MarkFlagRequired("game")
	cmd.MarkFlagRequired("choice")
	cmd.MarkFlagRequired("bet")
	return cmd
}

// parseChoice keeps structured choices structured: valid JSON passes through
// untouched, anything else becomes a JSON string.
func parseChoice(s string) any {
	trimmed := strings.TrimSpace(s)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return s
}

func newCashoutCmd(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "cashout",
		Short: "Cash out the current game",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.client.ResumeSession(cmd.Context()); err != nil {
				return err
			}
			if err := a.client.CashOut(cmd.Context()); err != nil {
				return err
			}
			printState(cfg, a.client.Snapshot())
			return nil
		},
	}
}

func newCloseCmd(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Close the session and withdraw the balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.client.ResumeSession(cmd.Context()); err != nil {
				return err
			}
			if a.client.Snapshot().SessionPhase != session.PhaseActive {
				return errors.New("no active session to close")
			}
			if err := a.client.CloseSession(cmd.Context()); err != nil {
				return err
			}
			printState(cfg, a.client.Snapshot())
			return nil
		},
	}
}

func newStatusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the locally saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			address := ""
			if cfg.PrivateKey != "" {
				key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
				if err == nil {
					address = ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
				}
			}
			st, err := openStore(cfg, address)
			if err != nil {
				return err
			}
			saved, err := st.Load()
			if errors.Is(err, store.ErrNotFound) {
				fmt.Println("no saved session")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("session %s, deposit %s\n",
				saved.SessionID, token.FormatRaw(saved.DepositAmount, cfg.AssetDecimals))
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var (
		seed  string
		round uint64
		nonce string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a settled round's house nonce offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			derived, err := fairness.DeriveHouseNonce(seed, round)
			if err != nil {
				return err
			}
			if fairness.VerifyRound(seed, round, nonce) {
				fmt.Printf("round %d verified: house nonce %s matches seed\n", round, nonce)
				return nil
			}
			fmt.Printf("round %d MISMATCH: expected %s, got %s\n", round, derived, nonce)
			return errors.New("verification failed")
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "revealed session seed, 0x-hex or decimal")
	cmd.Flags().Uint64Var(&round, "round", 0, "round number")
	cmd.Flags().StringVar(&nonce, "nonce", "", "house nonce reported for the round")
	cmd.MarkFlagRequired("seed")
	cmd.MarkFlagRequired("round")
	cmd.MarkFlagRequired("nonce")
	return cmd
}

func newServeCmd(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local HTTP/WS bridge for a web front end",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Env == "production" {
				gin.SetMode(gin.ReleaseMode)
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.client.ResumeSession(cmd.Context()); err != nil {
				logger.Warn("resume on startup failed", zap.Error(err))
			}

			srv := bridge.NewServer(a.client, cfg.BridgeSecret, logger.Named("bridge"))
			return srv.Run(cfg.HTTPAddr)
		},
	}
}
