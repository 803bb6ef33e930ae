package protocol

import "encoding/json"

// Message types sent by the client.
const (
	MsgCreateSession       = "create_session"
	MsgResumeSession       = "resume_session"
	MsgSessionPlayerSigned = "session_player_signed"
	MsgConfirmSession      = "confirm_session"
	MsgStartGame           = "start_game"
	MsgEndGame             = "end_game"
	MsgPlaceBet            = "place_bet"
	MsgReveal              = "reveal"
	MsgCashout             = "cashout"
	MsgCloseSession        = "close_session"
	MsgPing                = "ping"
)

// Message types sent by the backend.
const (
	MsgSessionSignRequest = "session_sign_request"
	MsgSessionCreated     = "session_created"
	MsgSessionResumed     = "session_resumed"
	MsgGameStarted        = "game_started"
	MsgGameEnded          = "game_ended"
	MsgBetAccepted        = "bet_accepted"
	MsgRoundResult        = "round_result"
	MsgCashoutResult      = "cashout_result"
	MsgSessionClosed      = "session_closed"
	MsgSessionBusted      = "session_busted"
	MsgError              = "error"
)

// Envelope is the frame exchanged over the duplex channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type CreateSessionPayload struct {
	Address       string `json:"address"`
	DepositAmount string `json:"deposit_amount"`
}

type ResumeSessionPayload struct {
	Address   string `json:"address"`
	SessionID string `json:"session_id"`
}

// AppDefinition describes the two-party application registered with the
// clearing network. Field semantics are fixed by the network.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights"`
	Quorum       int64    `json:"quorum"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

// Allocation is one participant/asset/amount tuple. Amount is an integer
// amount in minor units, carried as a string.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// SessionSignRequestPayload carries everything the client needs to run the
// clearing handshake: the session definition, the allocations to co-sign
// and the broker's pre-computed signature.
type SessionSignRequestPayload struct {
	SessionID       string        `json:"session_id"`
	Definition      AppDefinition `json:"definition"`
	Allocations     []Allocation  `json:"allocations"`
	BrokerSignature string        `json:"broker_signature"`
	RequestID       uint64        `json:"request_id"`
	Timestamp       uint64        `json:"timestamp"`
}

type PlayerSignedPayload struct {
	SessionID string `json:"session_id"`
	Signature string `json:"signature"`
}

type ConfirmSessionPayload struct {
	SessionID    string `json:"session_id"`
	AppSessionID string `json:"app_session_id"`
}

type SessionCreatedPayload struct {
	SessionID     string `json:"session_id"`
	AppSessionID  string `json:"app_session_id"`
	PlayerBalance string `json:"player_balance"`
	HouseBalance  string `json:"house_balance"`
	DepositAmount string `json:"deposit_amount"`
}

// GameSnapshot is the backend's authoritative view of a running game,
// returned on resume.
type GameSnapshot struct {
	Slug                 string         `json:"slug"`
	GameType             string         `json:"game_type"`
	MaxRounds            int            `json:"max_rounds"`
	PrimitiveState       map[string]any `json:"primitive_state"`
	CurrentRound         int            `json:"current_round"`
	CumulativeMultiplier float64        `json:"cumulative_multiplier"`
}

type SessionResumedPayload struct {
	SessionID     string        `json:"session_id"`
	AppSessionID  string        `json:"app_session_id"`
	PlayerBalance string        `json:"player_balance"`
	HouseBalance  string        `json:"house_balance"`
	DepositAmount string        `json:"deposit_amount"`
	ActiveGame    *GameSnapshot `json:"active_game,omitempty"`
	Wins          int           `json:"wins"`
	Losses        int           `json:"losses"`
	TotalRounds   int           `json:"total_rounds"`
}

type StartGamePayload struct {
	Slug string `json:"slug"`
}

type GameStartedPayload struct {
	Slug           string         `json:"slug"`
	GameType       string         `json:"game_type"`
	MaxRounds      int            `json:"max_rounds"`
	PrimitiveState map[string]any `json:"primitive_state"`
}

type PlaceBetPayload struct {
	Amount     string          `json:"amount"`
	Choice     json.RawMessage `json:"choice"`
	Commitment string          `json:"commitment"`
}

type BetAcceptedPayload struct {
	RoundID string `json:"round_id"`
}

type RevealPayload struct {
	RoundID string          `json:"round_id"`
	Choice  json.RawMessage `json:"choice"`
	Nonce   string          `json:"nonce"`
}

type RoundResultPayload struct {
	RoundID              string         `json:"round_id"`
	PlayerWon            bool           `json:"player_won"`
	Payout               string         `json:"payout"`
	GameOver             bool           `json:"game_over"`
	CanCashOut           bool           `json:"can_cash_out"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	HouseNonce           string         `json:"house_nonce"`
	PlayerBalance        string         `json:"player_balance"`
	HouseBalance         string         `json:"house_balance"`
	CurrentRound         int            `json:"current_round"`
	CumulativeMultiplier float64        `json:"cumulative_multiplier"`
	IsActive             bool           `json:"is_active"`
}

type CashoutResultPayload struct {
	Multiplier    float64 `json:"multiplier"`
	Payout        string  `json:"payout"`
	PlayerBalance string  `json:"player_balance"`
	HouseBalance  string  `json:"house_balance"`
}

type SessionClosedPayload struct {
	SessionID     string `json:"session_id"`
	PlayerBalance string `json:"player_balance"`
	HouseBalance  string `json:"house_balance"`
}

type SessionBustedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}
