package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chanbet/chanbet-go/internal/channel"
	"github.com/chanbet/chanbet-go/internal/clearing"
	"github.com/chanbet/chanbet-go/internal/fairness"
	"github.com/chanbet/chanbet-go/internal/protocol"
	"github.com/chanbet/chanbet-go/internal/store"
)

const (
	signRequestTimeout    = 30 * time.Second
	sessionCreatedTimeout = 60 * time.Second
	sessionClosedTimeout  = 30 * time.Second
	replyTimeout          = 15 * time.Second
)

var ErrNoWallet = errors.New("no wallet connected")

// ChannelAPI is the slice of the duplex game channel the lifecycle needs.
type ChannelAPI interface {
	Connect(address string) error
	Disconnect()
	Send(msgType string, payload any)
	Subscribe(msgType string, h channel.Handler) func()
	WaitForOrError(ctx context.Context, msgType string, timeout time.Duration) (json.RawMessage, error)
}

// ClearingAPI runs the settlement handshake on its own connection.
type ClearingAPI interface {
	Run(ctx context.Context, p clearing.Params, onDeposit clearing.DepositFunc) (*clearing.Result, error)
	Dispose()
}

// CustodyAPI moves funds on chain.
type CustodyAPI interface {
	EnsureAllowance(ctx context.Context, deficit *big.Int) error
	Deposit(ctx context.Context, deficit *big.Int) error
	Withdraw(ctx context.Context, owed *big.Int) error
}

type Options struct {
	Address  string
	Asset    string
	Channel  ChannelAPI
	Clearing ClearingAPI
	Custody  CustodyAPI
	Store    store.Store
	Logger   *zap.Logger
}

// Client is the session lifecycle machine. All mutations to its State go
// through update, so subscribers only ever observe complete merges.
type Client struct {
	address  string
	asset    string
	channel  ChannelAPI
	clearing ClearingAPI
	custody  CustodyAPI
	store    store.Store
	log      *zap.Logger

	mu          sync.Mutex
	state       State
	subs        map[uint64]func(State)
	nextSub     uint64
	bustedUnsub func()
}

func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	phase := PhaseIdle
	if opts.Address == "" {
		phase = PhaseNoWallet
	}
	return &Client{
		address:  opts.Address,
		asset:    opts.Asset,
		channel:  opts.Channel,
		clearing: opts.Clearing,
		custody:  opts.Custody,
		store:    opts.Store,
		log:      log,
		state:    State{SessionPhase: phase, GamePhase: GameNone},
		subs:     make(map[uint64]func(State)),
	}
}

// Snapshot returns a copy of the current state.
func (c *Client) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscribe registers a state listener. Listeners are invoked outside the
// state lock with a snapshot, in mutation order for any single caller.
func (c *Client) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) update(mutate func(*State)) {
	c.mu.Lock()
	mutate(&c.state)
	snap, listeners := c.snapshotLocked()
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// snapshotLocked must be called with c.mu held.
func (c *Client) snapshotLocked() (State, []func(State)) {
	listeners := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		listeners = append(listeners, fn)
	}
	return c.state.clone(), listeners
}

// begin atomically checks the current phase against the allowed set and
// advances to the next one.
func (c *Client) begin(to Phase, from ...Phase) error {
	c.mu.Lock()
	current := c.state.SessionPhase
	ok := false
	for _, p := range from {
		if current == p {
			ok = true
			break
		}
	}
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("cannot transition to %s from phase %s", to, current)
	}
	c.state.SessionPhase = to
	c.state.SessionError = ""
	snap, listeners := c.snapshotLocked()
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

func (c *Client) fail(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	c.log.Error("session operation failed", zap.String("op", op), zap.Error(err))
	c.update(func(s *State) {
		s.SessionPhase = PhaseError
		s.SessionError = wrapped.Error()
	})
	return wrapped
}

// OpenSession runs the full opening sequence: connect, request creation,
// co-sign through the clearing network (depositing on chain first if the
// ledger is short), confirm, and go active. depositAmount is in minor units.
func (c *Client) OpenSession(ctx context.Context, depositAmount string) error {
	if c.address == "" {
		return ErrNoWallet
	}
	if err := c.begin(PhaseConnecting, PhaseIdle); err != nil {
		return err
	}
	if err := c.channel.Connect(c.address); err != nil {
		return c.fail("open session", err)
	}

	c.update(func(s *State) { s.SessionPhase = PhaseCreating })
	c.channel.Send(protocol.MsgCreateSession, protocol.CreateSessionPayload{
		Address:       c.address,
		DepositAmount: depositAmount,
	})
	raw, err := c.channel.WaitForOrError(ctx, protocol.MsgSessionSignRequest, signRequestTimeout)
	if err != nil {
		return c.fail("open session", err)
	}
	var req protocol.SessionSignRequestPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		return c.fail("open session", fmt.Errorf("bad sign request: %w", err))
	}

	c.update(func(s *State) { s.SessionPhase = PhaseSigning })
	result, err := c.clearing.Run(ctx, clearing.Params{
		Definition:      req.Definition,
		Allocations:     req.Allocations,
		BrokerSignature: req.BrokerSignature,
		RequestID:       req.RequestID,
		Timestamp:       req.Timestamp,
		Asset:           c.asset,
	}, c.depositOnDeficit)
	if err != nil {
		return c.fail("open session", err)
	}

	c.channel.Send(protocol.MsgSessionPlayerSigned, protocol.PlayerSignedPayload{
		SessionID: req.SessionID,
		Signature: result.PlayerSignature,
	})
	c.channel.Send(protocol.MsgConfirmSession, protocol.ConfirmSessionPayload{
		SessionID:    req.SessionID,
		AppSessionID: result.AppSessionID,
	})
	raw, err = c.channel.WaitForOrError(ctx, protocol.MsgSessionCreated, sessionCreatedTimeout)
	if err != nil {
		return c.fail("open session", err)
	}
	var created protocol.SessionCreatedPayload
	if err := json.Unmarshal(raw, &created); err != nil {
		return c.fail("open session", fmt.Errorf("bad session_created: %w", err))
	}

	if err := c.store.Save(store.Saved{
		SessionID:     created.SessionID,
		DepositAmount: created.DepositAmount,
	}); err != nil {
		c.log.Warn("persisting session failed, resume will not survive a restart", zap.Error(err))
	}

	c.update(func(s *State) {
		s.SessionPhase = PhaseActive
		s.GamePhase = GameNone
		s.SessionID = created.SessionID
		s.AppSessionID = created.AppSessionID
		s.PlayerBalance = created.PlayerBalance
		s.HouseBalance = created.HouseBalance
		s.DepositAmount = created.DepositAmount
		s.ActiveGame = nil
		s.RoundHistory = nil
		s.Stats = Stats{}
	})
	c.watchBusted()
	c.log.Info("session active",
		zap.String("sessionId", created.SessionID),
		zap.String("appSessionId", created.AppSessionID))
	return nil
}

// depositOnDeficit is handed to the clearing handshake; it surfaces the
// on-chain leg as approving/depositing phases and returns to signing.
func (c *Client) depositOnDeficit(ctx context.Context, deficit *big.Int) error {
	c.log.Info("ledger balance short, depositing", zap.String("deficit", deficit.String()))
	c.update(func(s *State) { s.SessionPhase = PhaseApproving })
	if err := c.custody.EnsureAllowance(ctx, deficit); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	c.update(func(s *State) { s.SessionPhase = PhaseDepositing })
	if err := c.custody.Deposit(ctx, deficit); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	c.update(func(s *State) { s.SessionPhase = PhaseSigning })
	return nil
}

// ResumeSession re-attaches to a previously persisted session. Missing
// persistence is not an error; any other failure clears it so the next
// attempt starts fresh.
func (c *Client) ResumeSession(ctx context.Context) error {
	if c.address == "" {
		return ErrNoWallet
	}
	saved, err := c.store.Load()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load saved session: %w", err)
	}
	if err := c.begin(PhaseResuming, PhaseIdle); err != nil {
		return err
	}

	resumed, err := c.tryResume(ctx, saved.SessionID)
	if err != nil {
		c.log.Warn("resume failed, clearing saved session",
			zap.String("sessionId", saved.SessionID), zap.Error(err))
		if clearErr := c.store.Clear(); clearErr != nil {
			c.log.Warn("clearing saved session failed", zap.Error(clearErr))
		}
		c.update(func(s *State) { s.SessionPhase = PhaseIdle })
		return fmt.Errorf("resume session: %w", err)
	}

	c.update(func(s *State) {
		s.SessionPhase = PhaseActive
		s.SessionID = resumed.SessionID
		s.AppSessionID = resumed.AppSessionID
		s.PlayerBalance = resumed.PlayerBalance
		s.HouseBalance = resumed.HouseBalance
		s.DepositAmount = resumed.DepositAmount
		s.RoundHistory = nil
		s.Stats = Stats{Wins: resumed.Wins, Losses: resumed.Losses, TotalRounds: resumed.TotalRounds}
		if resumed.ActiveGame != nil {
			s.GamePhase = GameActive
			s.ActiveGame = &ActiveGame{
				Slug:                 resumed.ActiveGame.Slug,
				GameType:             resumed.ActiveGame.GameType,
				MaxRounds:            resumed.ActiveGame.MaxRounds,
				PrimitiveState:       resumed.ActiveGame.PrimitiveState,
				CurrentRound:         resumed.ActiveGame.CurrentRound,
				CumulativeMultiplier: resumed.ActiveGame.CumulativeMultiplier,
			}
		} else {
			s.GamePhase = GameNone
			s.ActiveGame = nil
		}
	})
	c.watchBusted()
	c.log.Info("session resumed", zap.String("sessionId", resumed.SessionID))
	return nil
}

func (c *Client) tryResume(ctx context.Context, sessionID string) (*protocol.SessionResumedPayload, error) {
	if err := c.channel.Connect(c.address); err != nil {
		return nil, err
	}
	c.channel.Send(protocol.MsgResumeSession, protocol.ResumeSessionPayload{
		Address:   c.address,
		SessionID: sessionID,
	})
	raw, err := c.channel.WaitForOrError(ctx, protocol.MsgSessionResumed, replyTimeout)
	if err != nil {
		return nil, err
	}
	var resumed protocol.SessionResumedPayload
	if err := json.Unmarshal(raw, &resumed); err != nil {
		return nil, fmt.Errorf("bad session_resumed: %w", err)
	}
	return &resumed, nil
}

// StartGame starts a named game in the active session. Failure leaves the
// session untouched; only the game phase reverts.
func (c *Client) StartGame(ctx context.Context, slug string) error {
	c.mu.Lock()
	if c.state.SessionPhase != PhaseActive {
		phase := c.state.SessionPhase
		c.mu.Unlock()
		return fmt.Errorf("cannot start game: session is %s", phase)
	}
	if c.state.GamePhase != GameNone {
		phase := c.state.GamePhase
		c.mu.Unlock()
		return fmt.Errorf("cannot start game: game phase is %s", phase)
	}
	c.state.GamePhase = GameStarting
	c.state.SessionError = ""
	snap, listeners := c.snapshotLocked()
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}

	c.channel.Send(protocol.MsgStartGame, protocol.StartGamePayload{Slug: slug})
	raw, err := c.channel.WaitForOrError(ctx, protocol.MsgGameStarted, replyTimeout)
	if err == nil {
		var started protocol.GameStartedPayload
		err = json.Unmarshal(raw, &started)
		if err == nil {
			c.update(func(s *State) {
				s.GamePhase = GameActive
				s.ActiveGame = &ActiveGame{
					Slug:                 started.Slug,
					GameType:             started.GameType,
					MaxRounds:            started.MaxRounds,
					PrimitiveState:       started.PrimitiveState,
					CumulativeMultiplier: 1,
				}
			})
			return nil
		}
	}
	c.update(func(s *State) {
		s.GamePhase = GameNone
		s.SessionError = fmt.Sprintf("start game: %v", err)
	})
	return fmt.Errorf("start game: %w", err)
}

// EndGame tells the backend to abandon the current game. The local game is
// cleared regardless of the backend's answer.
func (c *Client) EndGame(ctx context.Context) error {
	c.mu.Lock()
	hasGame := c.state.ActiveGame != nil || c.state.GamePhase != GameNone
	c.mu.Unlock()
	if !hasGame {
		return nil
	}
	c.channel.Send(protocol.MsgEndGame, nil)
	if _, err := c.channel.WaitForOrError(ctx, protocol.MsgGameEnded, replyTimeout); err != nil {
		c.log.Warn("end game not acknowledged", zap.Error(err))
	}
	c.update(func(s *State) {
		s.GamePhase = GameNone
		s.ActiveGame = nil
	})
	return nil
}

// PlayRound runs one commit-reveal round. Returns (nil, nil) without side
// effects when no game is ready or a round is already in flight. The choice
// nonce lives only on this stack frame.
func (c *Client) PlayRound(ctx context.Context, choice any, betAmount string) (*RoundRecord, error) {
	c.mu.Lock()
	if c.state.SessionPhase != PhaseActive || c.state.GamePhase != GameActive {
		c.mu.Unlock()
		return nil, nil
	}
	c.state.GamePhase = GamePlayingRound
	c.state.SessionError = ""
	snap, listeners := c.snapshotLocked()
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}

	record, err := c.runRound(ctx, choice, betAmount)
	if err != nil {
		// a session_busted push may have closed the session while the
		// round was in flight; its transition wins over the round error
		c.update(func(s *State) {
			if s.SessionPhase != PhaseActive || s.GamePhase != GamePlayingRound {
				return
			}
			s.GamePhase = GameActive
			s.SessionError = fmt.Sprintf("play round: %v", err)
		})
		return nil, fmt.Errorf("play round: %w", err)
	}
	return record, nil
}

func (c *Client) runRound(ctx context.Context, choice any, betAmount string) (*RoundRecord, error) {
	choiceData, err := json.Marshal(choice)
	if err != nil {
		return nil, fmt.Errorf("encode choice: %w", err)
	}
	nonce, err := fairness.GenerateNonce()
	if err != nil {
		return nil, err
	}
	commitment, err := fairness.CreateCommitment(string(choiceData), nonce)
	if err != nil {
		return nil, err
	}

	c.channel.Send(protocol.MsgPlaceBet, protocol.PlaceBetPayload{
		Amount:     betAmount,
		Choice:     choiceData,
		Commitment: commitment,
	})
	raw, err := c.channel.WaitForOrError(ctx, protocol.MsgBetAccepted, replyTimeout)
	if err != nil {
		return nil, err
	}
	var accepted protocol.BetAcceptedPayload
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return nil, fmt.Errorf("bad bet_accepted: %w", err)
	}

	c.channel.Send(protocol.MsgReveal, protocol.RevealPayload{
		RoundID: accepted.RoundID,
		Choice:  choiceData,
		Nonce:   nonce,
	})
	raw, err = c.channel.WaitForOrError(ctx, protocol.MsgRoundResult, replyTimeout)
	if err != nil {
		return nil, err
	}
	var result protocol.RoundResultPayload
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("bad round_result: %w", err)
	}

	record := RoundRecord{
		RoundNumber: result.CurrentRound,
		RoundID:     result.RoundID,
		PlayerWon:   result.PlayerWon,
		Payout:      result.Payout,
		GameOver:    result.GameOver,
		CanCashOut:  result.CanCashOut,
		Metadata:    result.Metadata,
		HouseNonce:  result.HouseNonce,
	}
	c.update(func(s *State) {
		if s.SessionPhase != PhaseActive || s.GamePhase != GamePlayingRound {
			return
		}
		s.PlayerBalance = result.PlayerBalance
		s.HouseBalance = result.HouseBalance
		s.RoundHistory = append(s.RoundHistory, record)
		s.Stats.TotalRounds++
		if result.PlayerWon {
			s.Stats.Wins++
		} else {
			s.Stats.Losses++
		}
		if s.ActiveGame != nil {
			s.ActiveGame.CurrentRound = result.CurrentRound
			s.ActiveGame.CumulativeMultiplier = result.CumulativeMultiplier
		}
		if result.IsActive {
			s.GamePhase = GameActive
		} else {
			s.GamePhase = GameNone
			s.ActiveGame = nil
		}
	})
	return &record, nil
}

// CashOut locks in the current multiplier and ends the game. The session
// stays active either way.
func (c *Client) CashOut(ctx context.Context) error {
	c.mu.Lock()
	ready := c.state.SessionPhase == PhaseActive && c.state.GamePhase == GameActive
	if ready {
		c.state.SessionError = ""
	}
	c.mu.Unlock()
	if !ready {
		return fmt.Errorf("no game to cash out")
	}
	c.channel.Send(protocol.MsgCashout, nil)
	raw, err := c.channel.WaitForOrError(ctx, protocol.MsgCashoutResult, replyTimeout)
	if err != nil {
		c.update(func(s *State) { s.SessionError = fmt.Sprintf("cashout: %v", err) })
		return fmt.Errorf("cashout: %w", err)
	}
	var result protocol.CashoutResultPayload
	if err := json.Unmarshal(raw, &result); err != nil {
		c.update(func(s *State) { s.SessionError = fmt.Sprintf("cashout: %v", err) })
		return fmt.Errorf("cashout: bad cashout_result: %w", err)
	}
	c.update(func(s *State) {
		s.PlayerBalance = result.PlayerBalance
		s.HouseBalance = result.HouseBalance
		s.GamePhase = GameNone
		s.ActiveGame = nil
	})
	c.log.Info("cashed out",
		zap.Float64("multiplier", result.Multiplier),
		zap.String("payout", result.Payout))
	return nil
}

// CloseSession settles the session and withdraws the player's balance from
// custody. A failed withdrawal is logged, not fatal: the session is already
// settled and the funds stay claimable on chain.
func (c *Client) CloseSession(ctx context.Context) error {
	if err := c.begin(PhaseClosing, PhaseActive); err != nil {
		return err
	}
	c.channel.Send(protocol.MsgCloseSession, nil)
	raw, err := c.channel.WaitForOrError(ctx, protocol.MsgSessionClosed, sessionClosedTimeout)
	if err != nil {
		return c.fail("close session", err)
	}
	var closed protocol.SessionClosedPayload
	if err := json.Unmarshal(raw, &closed); err != nil {
		return c.fail("close session", fmt.Errorf("bad session_closed: %w", err))
	}

	if owed, ok := new(big.Int).SetString(closed.PlayerBalance, 10); ok && owed.Sign() > 0 {
		c.update(func(s *State) { s.SessionPhase = PhaseWithdrawing })
		if err := c.custody.Withdraw(ctx, owed); err != nil {
			c.log.Warn("withdrawal failed, funds remain in custody",
				zap.String("owed", owed.String()), zap.Error(err))
		}
	}

	if err := c.store.Clear(); err != nil {
		c.log.Warn("clearing saved session failed", zap.Error(err))
	}
	c.unwatchBusted()
	c.update(func(s *State) {
		s.SessionPhase = PhaseClosed
		s.GamePhase = GameNone
		s.PlayerBalance = closed.PlayerBalance
		s.HouseBalance = closed.HouseBalance
		s.ActiveGame = nil
	})
	c.log.Info("session closed",
		zap.String("sessionId", closed.SessionID),
		zap.String("playerBalance", closed.PlayerBalance))
	return nil
}

// Reset returns the machine to its starting phase, dropping all session
// state and persistence. It does not touch the channel connection.
func (c *Client) Reset() {
	c.unwatchBusted()
	if err := c.store.Clear(); err != nil {
		c.log.Warn("clearing saved session failed", zap.Error(err))
	}
	phase := PhaseIdle
	if c.address == "" {
		phase = PhaseNoWallet
	}
	c.update(func(s *State) {
		*s = State{SessionPhase: phase, GamePhase: GameNone}
	})
}

// Close releases network resources. The state is left as is.
func (c *Client) Close() {
	c.unwatchBusted()
	c.clearing.Dispose()
	c.channel.Disconnect()
}

// watchBusted listens for the backend declaring the session bankrupt. The
// push can arrive at any moment, including mid-round.
func (c *Client) watchBusted() {
	c.unwatchBusted()
	unsub := c.channel.Subscribe(protocol.MsgSessionBusted, func(payload json.RawMessage) {
		var busted protocol.SessionBustedPayload
		if err := json.Unmarshal(payload, &busted); err != nil {
			c.log.Warn("bad session_busted payload", zap.Error(err))
			return
		}
		c.log.Warn("session busted",
			zap.String("sessionId", busted.SessionID),
			zap.String("reason", busted.Reason))
		if err := c.store.Clear(); err != nil {
			c.log.Warn("clearing saved session failed", zap.Error(err))
		}
		c.update(func(s *State) {
			s.SessionPhase = PhaseClosed
			s.GamePhase = GameNone
			s.ActiveGame = nil
			if busted.Reason != "" {
				s.SessionError = "session busted: " + busted.Reason
			} else {
				s.SessionError = "session busted"
			}
		})
	})
	c.mu.Lock()
	c.bustedUnsub = unsub
	c.mu.Unlock()
}

func (c *Client) unwatchBusted() {
	c.mu.Lock()
	unsub := c.bustedUnsub
	c.bustedUnsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
