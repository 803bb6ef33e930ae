// Package clearing implements the handshake with the third-party clearing
// network: authenticate the player's wallet, sync the ledger balance
// (triggering an on-chain deposit when short), and co-sign the two-party
// session object with the broker's pre-computed signature.
package clearing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chanbet/chanbet-go/internal/protocol"
)

const (
	methodAuthRequest       = "auth_request"
	methodAuthChallenge     = "auth_challenge"
	methodAuthVerify        = "auth_verify"
	methodGetLedgerBalances = "get_ledger_balances"
	methodCreateAppSession  = "create_app_session"
	methodError             = "error"

	authScope = "app.create"

	// HandshakeTimeout bounds the whole handshake wall-clock.
	HandshakeTimeout = 90 * time.Second

	maxBalancePolls = 20
)

// balancePollInterval separates ledger polls, including the first re-poll
// after a deposit settles. A var so tests can shrink it.
var balancePollInterval = 2 * time.Second

// DepositFunc tops up the ledger by exactly the given deficit. The
// handshake awaits its completion before re-polling.
type DepositFunc func(ctx context.Context, deficit *big.Int) error

// Conn and DialFunc mirror the channel package's transport seam; the
// clearing connection is dedicated and never shared with the game backend.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type DialFunc func(rawURL string) (Conn, error)

// Params is everything the backend's sign request carries into the
// handshake.
type Params struct {
	Definition      protocol.AppDefinition
	Allocations     []protocol.Allocation
	BrokerSignature string
	RequestID       uint64
	Timestamp       uint64
	Asset           string
}

// Result of a completed handshake.
type Result struct {
	AppSessionID    string
	PlayerSignature string
}

type Options struct {
	URL     string
	AppName string
	Signer  WalletSigner
	Dial    DialFunc
	Logger  *zap.Logger
}

// Client runs handshakes. At most one handshake is live per Client;
// starting a new one disposes the previous connection first.
type Client struct {
	log     *zap.Logger
	url     string
	appName string
	signer  WalletSigner
	dial    DialFunc

	mu     sync.Mutex
	active *handshake
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("clearing: URL is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("clearing: wallet signer is required")
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(rawURL string) (Conn, error) {
			c, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	appName := opts.AppName
	if appName == "" {
		appName = "chanbet"
	}
	return &Client{
		log:     log,
		url:     opts.URL,
		appName: appName,
		signer:  opts.Signer,
		dial:    dial,
	}, nil
}

// Run executes the full handshake. onDeposit may be nil, in which case an
// insufficient ledger balance fails after the poll budget.
func (c *Client) Run(ctx context.Context, p Params, onDeposit DepositFunc) (*Result, error) {
	h, err := c.start()
	if err != nil {
		return nil, err
	}
	defer func() {
		c.mu.Lock()
		if c.active == h {
			c.active = nil
		}
		c.mu.Unlock()
		h.dispose()
	}()

	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	return h.run(ctx, p, onDeposit)
}

// Dispose tears down any live handshake connection.
func (c *Client) Dispose() {
	c.mu.Lock()
	h := c.active
	c.active = nil
	c.mu.Unlock()
	if h != nil {
		h.dispose()
	}
}

func (c *Client) start() (*handshake, error) {
	conn, err := c.dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("clearing connect: %w", err)
	}
	h := &handshake{
		log:     c.log.With(zap.String("handshake_id", uuid.NewString())),
		appName: c.appName,
		signer:  c.signer,
		conn:    conn,
		waiters: make(map[string][]chan json.RawMessage),
		done:    make(chan struct{}),
	}
	go h.readLoop()

	c.mu.Lock()
	prev := c.active
	c.active = h
	c.mu.Unlock()
	if prev != nil {
		prev.dispose()
	}
	return h, nil
}

type handshake struct {
	log     *zap.Logger
	appName string
	signer  WalletSigner
	conn    Conn

	writeMu sync.Mutex
	nextID  uint64

	mu      sync.Mutex
	waiters map[string][]chan json.RawMessage
	once    sync.Once
	done    chan struct{}
}

// rpcEnvelope is the JSON-RPC-like framing used by the clearing network:
// {"req":[id,method,params,ts],"sig":[...]} and the mirrored "res" form.
type rpcEnvelope struct {
	Req json.RawMessage `json:"req,omitempty"`
	Res json.RawMessage `json:"res,omitempty"`
	Sig []string        `json:"sig,omitempty"`
}

func (h *handshake) run(ctx context.Context, p Params, onDeposit DepositFunc) (*Result, error) {
	eph, err := newEphemeralSigner()
	if err != nil {
		return nil, err
	}
	wallet := h.signer.Address()
	expire := uint64(time.Now().Add(time.Hour).Unix())

	// Step 1: request a challenge for the ephemeral session key. The
	// response arrives under the auth_challenge method.
	challengeRaw, err := h.call(ctx, eph, methodAuthRequest, map[string]any{
		"address":     wallet.Hex(),
		"session_key": eph.address().Hex(),
		"app_name":    h.appName,
		"scope":       authScope,
		"expire":      expire,
		"allowances":  []any{},
	}, nil, methodAuthChallenge)
	if err != nil {
		return nil, fmt.Errorf("auth request: %w", err)
	}
	var challenge struct {
		ChallengeMessage string `json:"challenge_message"`
	}
	if err := json.Unmarshal(challengeRaw, &challenge); err != nil || challenge.ChallengeMessage == "" {
		return nil, errors.New("auth challenge: malformed payload")
	}

	// Step 2: the wallet signs the typed challenge, binding the ephemeral
	// key to the player's identity.
	td := challengeTypedData(h.appName, challenge.ChallengeMessage, authScope, wallet, eph.address(), expire)
	walletSig, err := h.signer.SignTypedData(td)
	if err != nil {
		return nil, fmt.Errorf("wallet signature: %w", err)
	}
	verifyRaw, err := h.call(ctx, eph, methodAuthVerify, map[string]any{
		"challenge": challenge.ChallengeMessage,
		"signature": hexutil.Encode(walletSig),
	}, nil, methodAuthVerify)
	if err != nil {
		return nil, fmt.Errorf("auth verify: %w", err)
	}
	h.noteAuthToken(verifyRaw)

	// Step 3: sync the ledger balance, topping up on demand.
	required, err := requiredAllocation(p, wallet.Hex())
	if err != nil {
		return nil, err
	}
	if err := h.syncBalance(ctx, eph, p.Asset, required, onDeposit); err != nil {
		return nil, err
	}

	// Step 4: submit the co-signed session object.
	createParams := map[string]any{
		"definition":  p.Definition,
		"allocations": p.Allocations,
	}
	var playerSig string
	createdRaw, err := h.call(ctx, eph, methodCreateAppSession, createParams,
		func(sig string) []string {
			playerSig = sig
			return []string{sig, p.BrokerSignature}
		}, methodCreateAppSession)
	if err != nil {
		return nil, fmt.Errorf("create app session: %w", err)
	}
	var created struct {
		AppSessionID string `json:"app_session_id"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(createdRaw, &created); err != nil || created.AppSessionID == "" {
		return nil, errors.New("create app session: malformed confirmation")
	}

	h.log.Info("clearing session created", zap.String("app_session_id", created.AppSessionID))
	return &Result{AppSessionID: created.AppSessionID, PlayerSignature: playerSig}, nil
}

// syncBalance polls get_ledger_balances until the player's ledger covers the
// required allocation. The deposit callback fires once, with the exact
// deficit; afterwards only the poll budget remains.
func (h *handshake) syncBalance(ctx context.Context, eph *ephemeralSigner, asset string, required *big.Int, onDeposit DepositFunc) error {
	deposited := false
	for attempt := 0; ; attempt++ {
		balance, err := h.ledgerBalance(ctx, eph, asset)
		if err != nil {
			return err
		}
		if balance.Cmp(required) >= 0 {
			return nil
		}
		deficit := new(big.Int).Sub(required, balance)
		if !deposited && onDeposit != nil {
			h.log.Info("ledger balance short, requesting deposit",
				zap.String("deficit", deficit.String()))
			deposited = true
			if err := onDeposit(ctx, deficit); err != nil {
				return fmt.Errorf("deposit: %w", err)
			}
		} else if attempt >= maxBalancePolls {
			return fmt.Errorf("timeout waiting for ledger balance: need %s %s, have %s",
				required.String(), asset, balance.String())
		}
		select {
		case <-time.After(balancePollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *handshake) ledgerBalance(ctx context.Context, eph *ephemeralSigner, asset string) (*big.Int, error) {
	raw, err := h.call(ctx, eph, methodGetLedgerBalances, map[string]any{
		"participant": h.signer.Address().Hex(),
	}, nil, methodGetLedgerBalances)
	if err != nil {
		return nil, fmt.Errorf("get ledger balances: %w", err)
	}
	var payload struct {
		LedgerBalances []struct {
			Asset  string `json:"asset"`
			Amount string `json:"amount"`
		} `json:"ledger_balances"`
		Balances []struct {
			Asset  string `json:"asset"`
			Amount string `json:"amount"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("get ledger balances: malformed payload: %w", err)
	}
	entries := payload.LedgerBalances
	if len(entries) == 0 {
		entries = payload.Balances
	}
	for _, e := range entries {
		if e.Asset == asset {
			v, ok := new(big.Int).SetString(e.Amount, 10)
			if !ok {
				return nil, fmt.Errorf("get ledger balances: bad amount %q", e.Amount)
			}
			return v, nil
		}
	}
	return big.NewInt(0), nil
}

// call sends one signed request and, when successType is non-empty, races
// its response against an error response.
func (h *handshake) call(ctx context.Context, eph *ephemeralSigner, method string, params any, sigs func(playerSig string) []string, successType string) (json.RawMessage, error) {
	h.writeMu.Lock()
	h.nextID++
	id := h.nextID
	h.writeMu.Unlock()

	req, err := json.Marshal([]any{id, method, params, uint64(time.Now().UnixMilli())})
	if err != nil {
		return nil, err
	}
	playerSig, err := eph.signPayload(req)
	if err != nil {
		return nil, err
	}
	sigList := []string{playerSig}
	if sigs != nil {
		sigList = sigs(playerSig)
	}
	frame, err := json.Marshal(rpcEnvelope{Req: req, Sig: sigList})
	if err != nil {
		return nil, err
	}

	waiter := h.addWaiter(successType)
	errWaiter := h.addWaiter(methodError)
	defer h.removeWaiter(successType, waiter)
	defer h.removeWaiter(methodError, errWaiter)

	if err := h.write(frame); err != nil {
		return nil, err
	}

	select {
	case res := <-waiter:
		return res, nil
	case res := <-errWaiter:
		return nil, errors.New(errorText(res))
	case <-h.done:
		return nil, errors.New("clearing connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handshake) write(frame []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(websocket.TextMessage, frame)
}

func (h *handshake) readLoop() {
	defer h.dispose()
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Res == nil {
			h.log.Debug("clearing: dropping malformed frame", zap.ByteString("frame", data))
			continue
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(env.Res, &parts); err != nil || len(parts) < 3 {
			h.log.Debug("clearing: dropping malformed res", zap.ByteString("frame", data))
			continue
		}
		var method string
		if err := json.Unmarshal(parts[1], &method); err != nil {
			continue
		}
		h.deliver(method, parts[2])
	}
}

func (h *handshake) deliver(method string, params json.RawMessage) {
	h.mu.Lock()
	waiters := append([]chan json.RawMessage(nil), h.waiters[method]...)
	h.mu.Unlock()
	for _, w := range waiters {
		select {
		case w <- params:
		default:
		}
	}
}

func (h *handshake) addWaiter(method string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	h.mu.Lock()
	h.waiters[method] = append(h.waiters[method], ch)
	h.mu.Unlock()
	return ch
}

func (h *handshake) removeWaiter(method string, ch chan json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.waiters[method]
	for i, w := range ws {
		if w == ch {
			h.waiters[method] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(h.waiters[method]) == 0 {
		delete(h.waiters, method)
	}
}

func (h *handshake) dispose() {
	h.once.Do(func() {
		close(h.done)
		h.conn.Close()
	})
}

// noteAuthToken records the JWT the network issues on auth success. The
// broker holds the signing key, so the token is parsed unverified just to
// surface its expiry.
func (h *handshake) noteAuthToken(verifyRaw json.RawMessage) {
	var payload struct {
		Success  bool   `json:"success"`
		JwtToken string `json:"jwt_token"`
	}
	if err := json.Unmarshal(verifyRaw, &payload); err != nil || payload.JwtToken == "" {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(payload.JwtToken, claims); err != nil {
		h.log.Warn("clearing: unparseable auth token", zap.Error(err))
		return
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		h.log.Info("clearing auth complete", zap.Time("token_expires", exp.Time))
	} else {
		h.log.Info("clearing auth complete")
	}
}

func requiredAllocation(p Params, wallet string) (*big.Int, error) {
	for _, a := range p.Allocations {
		if strings.EqualFold(a.Participant, wallet) && a.Asset == p.Asset {
			v, ok := new(big.Int).SetString(a.Amount, 10)
			if !ok {
				return nil, fmt.Errorf("bad allocation amount %q", a.Amount)
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("no allocation for participant %s and asset %s", wallet, p.Asset)
}

func errorText(params json.RawMessage) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return "clearing network error"
}
