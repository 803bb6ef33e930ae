package session

// Phase is the session lifecycle phase. Exactly one holds at a time;
// closed and error are terminal until Reset.
type Phase string

const (
	PhaseNoWallet    Phase = "no_wallet"
	PhaseIdle        Phase = "idle"
	PhaseApproving   Phase = "approving"
	PhaseDepositing  Phase = "depositing"
	PhaseConnecting  Phase = "connecting"
	PhaseCreating    Phase = "creating"
	PhaseSigning     Phase = "signing"
	PhaseResuming    Phase = "resuming"
	PhaseActive      Phase = "active"
	PhaseClosing     Phase = "closing"
	PhaseWithdrawing Phase = "withdrawing"
	PhaseClosed      Phase = "closed"
	PhaseError       Phase = "error"
)

// GamePhase tracks the game within a session. playing_round is held for the
// duration of exactly one commit-reveal exchange and doubles as the
// round-in-flight mutual exclusion.
type GamePhase string

const (
	GameNone         GamePhase = "none"
	GameStarting     GamePhase = "starting"
	GameActive       GamePhase = "active"
	GamePlayingRound GamePhase = "playing_round"
)

// ActiveGame is the currently running game. At most one per session.
type ActiveGame struct {
	Slug                 string         `json:"slug"`
	GameType             string         `json:"game_type"`
	MaxRounds            int            `json:"max_rounds"`
	PrimitiveState       map[string]any `json:"primitive_state,omitempty"`
	CurrentRound         int            `json:"current_round"`
	CumulativeMultiplier float64        `json:"cumulative_multiplier"`
}

// RoundRecord is one settled round, immutable once appended.
type RoundRecord struct {
	RoundNumber int            `json:"round_number"`
	RoundID     string         `json:"round_id"`
	PlayerWon   bool           `json:"player_won"`
	Payout      string         `json:"payout"`
	GameOver    bool           `json:"game_over"`
	CanCashOut  bool           `json:"can_cash_out"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	HouseNonce  string         `json:"house_nonce"`
}

// Stats are running session counters, reset on session open.
type Stats struct {
	Wins        int `json:"wins"`
	Losses      int `json:"losses"`
	TotalRounds int `json:"total_rounds"`
}

// State is the single client-observable state object. Consumers receive
// snapshots; only the lifecycle machine mutates it, one atomic merge at a
// time. Balances are integer minor units carried as strings and change only
// on backend events, never by local computation.
type State struct {
	SessionPhase  Phase         `json:"session_phase"`
	GamePhase     GamePhase     `json:"game_phase"`
	SessionID     string        `json:"session_id,omitempty"`
	AppSessionID  string        `json:"app_session_id,omitempty"`
	PlayerBalance string        `json:"player_balance,omitempty"`
	HouseBalance  string        `json:"house_balance,omitempty"`
	DepositAmount string        `json:"deposit_amount,omitempty"`
	SessionError  string        `json:"session_error,omitempty"`
	ActiveGame    *ActiveGame   `json:"active_game,omitempty"`
	RoundHistory  []RoundRecord `json:"round_history,omitempty"`
	Stats         Stats         `json:"stats"`
}

func (s State) clone() State {
	out := s
	if s.ActiveGame != nil {
		game := *s.ActiveGame
		out.ActiveGame = &game
	}
	if s.RoundHistory != nil {
		out.RoundHistory = append([]RoundRecord(nil), s.RoundHistory...)
	}
	return out
}
