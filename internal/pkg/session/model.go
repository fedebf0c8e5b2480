package session

import (
	"context"
	"sync"
	"time"

	"github.com/vreid/quizduel/internal/pkg/escrow"
	"github.com/vreid/quizduel/internal/pkg/matchmaker"
	"github.com/vreid/quizduel/internal/pkg/questions"
	"github.com/vreid/quizduel/internal/pkg/scorer"
)

type State string

const (
	StateForming      State = "FORMING"
	StateWagerPending State = "WAGER_PENDING"
	StateCountdown    State = "COUNTDOWN"
	StateActive       State = "ACTIVE"
	StateScoring      State = "SCORING"
	StateSettled      State = "SETTLED"
	StateAborted      State = "ABORTED"
)

type Config struct {
	Tick         time.Duration
	Countdown    int
	RoundSeconds int
}

func DefaultConfig() Config {
	return Config{
		Tick:         time.Second,
		Countdown:    5,  //nolint:mnd
		RoundSeconds: 60, //nolint:mnd
	}
}

type Ratings interface {
	Lookup(ctx context.Context, username string) (scorer.Player, error)
	HandleOutcome(ctx context.Context, outcome scorer.Outcome) (scorer.Result, error)
}

type Escrow interface {
	SetListener(listener escrow.Listener)
	BeginWager(matchID string, amount int64, wallets [2]string) (escrow.Setup, error)
	RecordDeposit(ctx context.Context, matchID string, role escrow.Role, proof string) (escrow.Deposit, error)
	Settle(ctx context.Context, matchID, winnerWallet, p1Wallet, p2Wallet string) (string, error)
	Refund(ctx context.Context, matchID, p1Wallet, p2Wallet string) (string, error)
	Abort(ctx context.Context, matchID string) (string, error)
	Release(matchID string) []escrow.Role
}

type seat struct {
	player    matchmaker.Player
	rating    int
	role      escrow.Role
	deposited bool
	score     int
	answered  map[int]bool
}

// Match is owned by the session service. Every field below mu is guarded by
// it, including the timer handle.
type Match struct {
	ID string

	mu        sync.Mutex
	state     State
	seats     [2]*seat
	wager     int64
	questions []questions.Question
	cancel    context.CancelFunc
}

func (m *Match) seatOf(connID string) (*seat, *seat) {
	if m.seats[0].player.Conn.ID() == connID {
		return m.seats[0], m.seats[1]
	}

	return m.seats[1], m.seats[0]
}

func (m *Match) stopTimer() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
