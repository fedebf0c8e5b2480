package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do/v2"
	"github.com/vreid/quizduel/internal/pkg/common"
	"github.com/vreid/quizduel/internal/pkg/escrow"
	"github.com/vreid/quizduel/internal/pkg/evaluator"
	"github.com/vreid/quizduel/internal/pkg/event"
	"github.com/vreid/quizduel/internal/pkg/matchmaker"
	"github.com/vreid/quizduel/internal/pkg/questions"
	"github.com/vreid/quizduel/internal/pkg/scorer"
)

const settleTimeout = 30 * time.Second

var (
	ErrNotInMatch         = errors.New("not in a match")
	ErrNotAwaitingDeposit = errors.New("match is not waiting for deposits")
	ErrQuestionsNotLoaded = errors.New("failed to load questions")
)

// SessionService owns every live match. Its own mutex only guards the
// lookup maps and is never held while a match lock is acquired.
type SessionService struct {
	Config

	mu      sync.Mutex
	matches map[string]*Match
	byConn  map[string]*Match

	provider questions.Provider
	ratings  Ratings
	escrow   Escrow
	log      *slog.Logger

	ctx  context.Context //nolint:containedctx
	stop context.CancelFunc
}

func NewSessionService(i do.Injector) (*SessionService, error) {
	provider := do.MustInvokeAs[questions.Provider](i)
	ratings := do.MustInvoke[*scorer.ScorerService](i)
	escrowService := do.MustInvoke[*escrow.EscrowService](i)
	log := do.MustInvoke[*slog.Logger](i)

	config := DefaultConfig()
	config.Countdown = do.MustInvokeNamed[int](i, "countdown")
	config.RoundSeconds = do.MustInvokeNamed[int](i, "round-seconds")

	return NewSession(config, provider, ratings, escrowService, log), nil
}

func NewSession(config Config, provider questions.Provider, ratings Ratings, e Escrow, log *slog.Logger) *SessionService {
	ctx, stop := context.WithCancel(context.Background())

	result := &SessionService{
		Config: config,

		matches: map[string]*Match{},
		byConn:  map[string]*Match{},

		provider: provider,
		ratings:  ratings,
		escrow:   e,
		log:      log.With("service", "session"),

		ctx:  ctx,
		stop: stop,
	}

	e.SetListener(result)

	return result
}

func (s *SessionService) register(m *Match) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.matches[m.ID] = m
	for _, seat := range m.seats {
		s.byConn[seat.player.Conn.ID()] = m
	}
}

func (s *SessionService) discard(m *Match) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.matches, m.ID)

	for _, seat := range m.seats {
		connID := seat.player.Conn.ID()
		if s.byConn[connID] == m {
			delete(s.byConn, connID)
		}
	}
}

func (s *SessionService) byConnID(connID string) *Match {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.byConn[connID]
}

func (s *SessionService) byMatchID(matchID string) *Match {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.matches[matchID]
}

func (s *SessionService) InMatch(connID string) bool {
	return s.byConnID(connID) != nil
}

func (s *SessionService) ActiveMatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.matches)
}

func (s *SessionService) rating(username string) int {
	player, err := s.ratings.Lookup(s.ctx, username)
	if err != nil {
		s.log.Warn("rating lookup failed, using default", "player", username, "err", err)

		return scorer.DefaultRating
	}

	return player.Rating
}

func broadcast(m *Match, e event.Event) {
	for _, seat := range m.seats {
		seat.player.Conn.Send(e)
	}
}

// StartMatch implements matchmaker.Pairer. p1 becomes the wager initiator.
// The match is reachable by connection before ratings are looked up, so a
// disconnect racing the lookups aborts it while still FORMING.
func (s *SessionService) StartMatch(p1, p2 matchmaker.Player) {
	m := &Match{
		ID:    uuid.NewString(),
		state: StateForming,
		wager: p1.Wager,
	}

	for idx, player := range []matchmaker.Player{p1, p2} {
		m.seats[idx] = &seat{
			player:   player,
			answered: map[int]bool{},
		}
	}

	s.register(m)

	ratings := [2]int{s.rating(p1.Username), s.rating(p2.Username)}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := s.log.With("match", m.ID)

	if m.state != StateForming {
		log.Info("match dropped before start", "state", m.state)

		return
	}

	for idx, seat := range m.seats {
		seat.rating = ratings[idx]
	}
	log.Info("match formed", "p1", p1.Username, "p2", p2.Username, "wager", m.wager)

	for idx, seat := range m.seats {
		opponent := m.seats[1-idx]
		seat.player.Conn.Send(event.New(event.TypeMatchFound, event.MatchFound{
			OpponentName:   opponent.player.Username,
			Multiplier:     evaluator.Multiplier(seat.player.Streak),
			IsWager:        m.wager > 0,
			MyRating:       seat.rating,
			OpponentRating: opponent.rating,
		}))
	}

	if m.wager == 0 {
		s.enterCountdown(m)

		return
	}

	setup, err := s.escrow.BeginWager(m.ID, m.wager, [2]string{p1.Wallet, p2.Wallet})
	if err != nil {
		log.Error("failed to begin wager", "err", err)

		m.state = StateAborted
		broadcast(m, event.Failure("failed to set up wager"))
		s.discard(m)

		return
	}

	m.state = StateWagerPending

	for idx, seat := range m.seats {
		seat.role = setup.Roles[idx]
		seat.player.Conn.Send(event.New(event.TypeWagerSetup, event.WagerSetup{
			Role:           string(seat.role),
			Amount:         setup.Amount,
			EscrowAddress:  setup.Address,
			OpponentWallet: m.seats[1-idx].player.Wallet,
		}))
	}
}

// runTimer ticks every s.Tick, counting down from `from`. step is called with
// the match lock held and the remaining count; returning false ends the
// timer. Must be called with m.mu held.
func (s *SessionService) runTimer(m *Match, state State, from int, step func(ctx context.Context, left int) bool) {
	m.stopTimer()

	ctx, cancel := context.WithCancel(s.ctx)
	m.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.Tick)
		defer ticker.Stop()

		for left := from; ; {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			left--

			m.mu.Lock()

			if ctx.Err() != nil || m.state != state {
				m.mu.Unlock()

				return
			}

			more := step(ctx, left)

			m.mu.Unlock()

			if !more {
				return
			}
		}
	}()
}

func (s *SessionService) enterCountdown(m *Match) {
	m.state = StateCountdown

	broadcast(m, event.New(event.TypeCountdownTick, event.CountdownTick{Value: s.Countdown}))

	s.runTimer(m, StateCountdown, s.Countdown, func(ctx context.Context, left int) bool {
		if left > 0 {
			broadcast(m, event.New(event.TypeCountdownTick, event.CountdownTick{Value: left}))

			return true
		}

		go s.beginRound(ctx, m)

		return false
	})
}

// beginRound fetches questions without holding the match lock; the match may
// be aborted meanwhile, in which case ctx is cancelled and the result dropped.
func (s *SessionService) beginRound(ctx context.Context, m *Match) {
	set, err := s.provider.Fetch(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil || m.state != StateCountdown {
		return
	}

	if err != nil {
		s.log.Error("question fetch failed", "match", m.ID, "err", err)

		m.state = StateAborted
		m.stopTimer()
		broadcast(m, event.Failure(ErrQuestionsNotLoaded.Error()))
		s.discard(m)

		// No ledger instruction is sent on this path. Any deposits stay in the
		// escrow account and are reconciled by hand from escrow's warning log.
		if m.wager > 0 {
			s.escrow.Release(m.ID)
		}

		return
	}

	m.questions = set
	m.state = StateActive

	public := make([]event.PublicQuestion, 0, len(set))
	for _, q := range set {
		public = append(public, q.Public())
	}

	broadcast(m, event.New(event.TypeRoundStart, event.RoundStart{Questions: public}))

	s.runTimer(m, StateActive, s.RoundSeconds, func(_ context.Context, left int) bool {
		broadcast(m, event.New(event.TypeTimerTick, event.TimerTick{SecondsLeft: left}))

		if left > 0 {
			return true
		}

		m.state = StateScoring
		m.stopTimer()

		go s.finish(m)

		return false
	})
}

// SubmitAnswer scores one answer. Answers outside an active round, for an
// unknown index, or for an index already answered are ignored.
func (s *SessionService) SubmitAnswer(connID string, index int, text string) error {
	m := s.byConnID(connID)
	if m == nil {
		return ErrNotInMatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive || index < 0 || index >= len(m.questions) {
		return nil
	}

	own, opponent := m.seatOf(connID)
	if own.answered[index] {
		return nil
	}

	q := m.questions[index]
	result := evaluator.Evaluate(q, text, own.player.Streak)

	own.answered[index] = true
	own.score += result.Points

	own.player.Conn.Send(event.New(event.TypeAnswerResult, event.AnswerResult{
		Correct:         result.Correct,
		Fuzzy:           result.Fuzzy,
		CanonicalAnswer: q.Answer,
		YourScore:       own.score,
		PointsGained:    result.Points,
		Multiplier:      evaluator.Multiplier(own.player.Streak),
	}))

	opponent.player.Conn.Send(event.New(event.TypeOpponentProgress, event.OpponentProgress{
		OpponentScore: own.score,
	}))

	return nil
}

// SubmitDeposit forwards a deposit proof to escrow. The ledger check runs
// without the match lock.
func (s *SessionService) SubmitDeposit(ctx context.Context, connID, proof string) error {
	m := s.byConnID(connID)
	if m == nil {
		return ErrNotInMatch
	}

	m.mu.Lock()

	if m.state != StateWagerPending {
		m.mu.Unlock()

		return ErrNotAwaitingDeposit
	}

	own, _ := m.seatOf(connID)
	role := own.role

	m.mu.Unlock()

	deposit, err := s.escrow.RecordDeposit(ctx, m.ID, role, proof)

	m.mu.Lock()
	defer m.mu.Unlock()

	own, opponent := m.seatOf(connID)

	if err != nil {
		s.log.Info("deposit rejected", "match", m.ID, "role", role, "err", err)

		if m.state == StateWagerPending {
			own.player.Conn.Send(event.Failure("deposit rejected"))
		}

		return fmt.Errorf("failed to record deposit: %w", err)
	}

	if m.state == StateAborted || m.state == StateSettled {
		return ErrNotAwaitingDeposit
	}

	// The opponent's confirmation may already have moved the match on.
	if !own.deposited {
		own.deposited = true

		own.player.Conn.Send(event.New(event.TypeWagerConfirmed, event.WagerStatus{Reason: "deposit confirmed"}))
		opponent.player.Conn.Send(event.New(event.TypeWagerConfirmed, event.WagerStatus{Reason: "opponent deposited"}))
	}

	if deposit.Funded && m.state == StateWagerPending {
		s.enterCountdown(m)
	}

	return nil
}

// WagerExpired implements escrow.Listener. Refunds are issued by escrow.
func (s *SessionService) WagerExpired(matchID string) {
	m := s.byMatchID(matchID)
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateWagerPending {
		return
	}

	s.log.Info("wager cancelled", "match", m.ID, "err", common.ErrWagerTimeout)

	m.state = StateAborted
	m.stopTimer()
	broadcast(m, event.New(event.TypeWagerCancelled, event.WagerStatus{Reason: "deposit window elapsed"}))
	s.discard(m)
}

// Disconnect aborts the match connID is part of. Once scoring has started the
// match runs to completion.
func (s *SessionService) Disconnect(connID string) {
	m := s.byConnID(connID)
	if m == nil {
		return
	}

	m.mu.Lock()

	switch m.state {
	case StateScoring, StateSettled, StateAborted:
		m.mu.Unlock()

		return
	case StateForming, StateWagerPending, StateCountdown, StateActive:
	}

	s.log.Info("match aborted", "match", m.ID, "state", m.state, "player", connID, "err", common.ErrOpponentLost)

	m.state = StateAborted
	m.stopTimer()

	_, opponent := m.seatOf(connID)
	opponent.player.Conn.Send(event.Failure("opponent left the match"))

	s.discard(m)
	wager := m.wager

	m.mu.Unlock()

	if wager > 0 {
		s.abortWager(m.ID)
	}
}

func (s *SessionService) abortWager(matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	_, err := s.escrow.Abort(ctx, matchID)
	if err != nil {
		s.log.Error("failed to abort wager", "match", matchID, "err", err)
	}
}

func (s *SessionService) finish(m *Match) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	m.mu.Lock()

	if m.state != StateScoring {
		m.mu.Unlock()

		return
	}

	a, b := m.seats[0], m.seats[1]

	outcome := scorer.Outcome{PlayerA: a.player.Username, PlayerB: b.player.Username}

	var winner *seat

	switch {
	case a.score > b.score:
		winner = a
	case b.score > a.score:
		winner = b
	}

	if winner != nil {
		outcome.Winner = winner.player.Username
	}

	m.mu.Unlock()

	result, err := s.ratings.HandleOutcome(ctx, outcome)
	if err != nil {
		s.log.Error("failed to update ratings", "match", m.ID, "err", err)
	}

	m.mu.Lock()

	revealed := make([]event.RevealedQuestion, 0, len(m.questions))
	for _, q := range m.questions {
		revealed = append(revealed, q.Revealed())
	}

	for idx, seat := range m.seats {
		gameOver := event.GameOver{
			YourScore:     seat.score,
			OpponentScore: m.seats[1-idx].score,
			Questions:     revealed,
		}

		if winner != nil {
			name := winner.player.Username
			gameOver.Winner = &name
		}

		if err == nil {
			gameOver.RatingDelta = result.A.Delta
			if idx == 1 {
				gameOver.RatingDelta = result.B.Delta
			}
		}

		seat.player.Conn.Send(event.New(event.TypeGameOver, gameOver))
	}

	// A wager match only reaches a round once escrow reports it funded.
	funded := m.wager > 0

	m.mu.Unlock()

	s.log.Info("match finished", "match", m.ID,
		"score_a", a.score, "score_b", b.score, "winner", outcome.Winner)

	if funded {
		s.settle(ctx, m.ID, winner, a, b)
	}

	m.mu.Lock()
	m.state = StateSettled
	s.discard(m)
	m.mu.Unlock()
}

func (s *SessionService) settle(ctx context.Context, matchID string, winner, a, b *seat) {
	var err error

	if winner != nil {
		_, err = s.escrow.Settle(ctx, matchID, winner.player.Wallet, a.player.Wallet, b.player.Wallet)
	} else {
		_, err = s.escrow.Refund(ctx, matchID, a.player.Wallet, b.player.Wallet)
	}

	if err != nil {
		s.log.Error("wager settlement failed", "match", matchID, "err", err)
	}
}

// Shutdown stops every timer. Live matches are abandoned without side
// effects.
func (s *SessionService) Shutdown() error {
	s.stop()

	s.mu.Lock()
	matches := make([]*Match, 0, len(s.matches))
	for _, m := range s.matches {
		matches = append(matches, m)
	}
	s.mu.Unlock()

	for _, m := range matches {
		m.mu.Lock()
		m.stopTimer()
		m.mu.Unlock()
	}

	return nil
}
