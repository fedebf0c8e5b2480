package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/quizduel/internal/pkg/escrow"
	"github.com/vreid/quizduel/internal/pkg/event"
	"github.com/vreid/quizduel/internal/pkg/event/eventtest"
	"github.com/vreid/quizduel/internal/pkg/ledger"
	"github.com/vreid/quizduel/internal/pkg/matchmaker"
	"github.com/vreid/quizduel/internal/pkg/questions"
	"github.com/vreid/quizduel/internal/pkg/scorer"
	"github.com/vreid/quizduel/internal/pkg/session"
)

const (
	waitFor = 2 * time.Second
	poll    = 2 * time.Millisecond
)

var errOffline = errors.New("trivia source offline")

type staticProvider struct {
	err error
}

func (p staticProvider) Fetch(ctx context.Context) ([]questions.Question, error) {
	if p.err != nil {
		return nil, p.err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return []questions.Question{
		{Kind: questions.KindMultipleChoice, Prompt: "Who wrote Linux?", Options: []string{"Linus", "Ada"}, Answer: "Linus"},
		{Kind: questions.KindBoolean, Prompt: "Go has generics.", Options: []string{"True", "False"}, Answer: "True"},
		{Kind: questions.KindFillIn, Prompt: "The ____ language runs in browsers.", Answer: "javascript"},
	}, nil
}

type failingLedger struct {
	*ledger.MemoryLedger
}

func (failingLedger) Submit(context.Context, escrow.Instruction) (string, error) {
	return "", errOffline
}

// gatedRatings holds every Lookup until release is closed.
type gatedRatings struct {
	*scorer.ScorerService

	release chan struct{}
}

func (g gatedRatings) Lookup(ctx context.Context, username string) (scorer.Player, error) {
	<-g.release

	//nolint:wrapcheck
	return g.ScorerService.Lookup(ctx, username)
}

// blockingProvider reports each Fetch on started and then waits for ctx.
type blockingProvider struct {
	started chan struct{}
}

func (p blockingProvider) Fetch(ctx context.Context) ([]questions.Question, error) {
	p.started <- struct{}{}

	<-ctx.Done()

	return nil, ctx.Err()
}

type harness struct {
	session *session.SessionService
	scorer  *scorer.ScorerService
	escrow  *escrow.EscrowService
	ledger  *ledger.MemoryLedger
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type options struct {
	roundSeconds int
	provider     questions.Provider
	countdown    int
	failLedger   bool
	timeout      time.Duration
	lookupGate   chan struct{}
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()

	if opts.roundSeconds == 0 {
		opts.roundSeconds = 40
	}

	if opts.countdown == 0 {
		opts.countdown = 2
	}

	if opts.provider == nil {
		opts.provider = staticProvider{}
	}

	mem := ledger.NewMemoryLedger(discard())

	var client escrow.LedgerClient = mem
	if opts.failLedger {
		client = failingLedger{mem}
	}

	escrowService := escrow.NewEscrow(client, "program", discard())
	if opts.timeout > 0 {
		escrowService.Timeout = opts.timeout
	}

	scorerService := scorer.NewScorer(scorer.NewMemoryStore(), discard())

	config := session.Config{
		Tick:         5 * time.Millisecond,
		Countdown:    opts.countdown,
		RoundSeconds: opts.roundSeconds,
	}

	var ratings session.Ratings = scorerService
	if opts.lookupGate != nil {
		ratings = gatedRatings{ScorerService: scorerService, release: opts.lookupGate}
	}

	sessionService := session.NewSession(config, opts.provider, ratings, escrowService, discard())

	t.Cleanup(func() {
		_ = sessionService.Shutdown()
		_ = escrowService.Shutdown()
	})

	return &harness{
		session: sessionService,
		scorer:  scorerService,
		escrow:  escrowService,
		ledger:  mem,
	}
}

func players(wager int64) (matchmaker.Player, *eventtest.Recorder, matchmaker.Player, *eventtest.Recorder) {
	connA := eventtest.NewRecorder("conn-a")
	connB := eventtest.NewRecorder("conn-b")

	a := matchmaker.Player{Username: "ada", Wager: wager, Wallet: "wallet-ada", Conn: connA}
	b := matchmaker.Player{Username: "linus", Wager: wager, Wallet: "wallet-linus", Conn: connB}

	return a, connA, b, connB
}

func waitForEvent(t *testing.T, conn *eventtest.Recorder, kind event.Type) event.Event {
	t.Helper()

	require.Eventually(t, func() bool {
		return conn.Count(kind) > 0
	}, waitFor, poll, "no %s for %s", kind, conn.ID())

	e, _ := conn.Last(kind)

	return e
}

func gameOver(t *testing.T, conn *eventtest.Recorder) event.GameOver {
	t.Helper()

	data, ok := waitForEvent(t, conn, event.TypeGameOver).Data.(event.GameOver)
	require.True(t, ok)

	return data
}

func answerAll(t *testing.T, h *harness, connID string, answers []string) {
	t.Helper()

	for idx, answer := range answers {
		require.NoError(t, h.session.SubmitAnswer(connID, idx, answer))
	}
}

func TestFreeMatchAllCorrectIsDraw(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{})
	a, connA, b, connB := players(0)

	h.session.StartMatch(a, b)

	found, ok := waitForEvent(t, connA, event.TypeMatchFound).Data.(event.MatchFound)
	require.True(t, ok)
	assert.Equal(t, "linus", found.OpponentName)
	assert.False(t, found.IsWager)
	assert.Equal(t, scorer.DefaultRating, found.MyRating)

	start, ok := waitForEvent(t, connA, event.TypeRoundStart).Data.(event.RoundStart)
	require.True(t, ok)
	require.Len(t, start.Questions, 3)
	waitForEvent(t, connB, event.TypeRoundStart)

	answers := []string{"Linus", "true", "javascript"}
	answerAll(t, h, connA.ID(), answers)
	answerAll(t, h, connB.ID(), answers)

	overA := gameOver(t, connA)
	overB := gameOver(t, connB)

	assert.Nil(t, overA.Winner)
	assert.Equal(t, 30, overA.YourScore)
	assert.Equal(t, 30, overA.OpponentScore)
	assert.Zero(t, overA.RatingDelta)
	assert.Zero(t, overB.RatingDelta)
	require.Len(t, overA.Questions, 3)
	assert.Equal(t, "javascript", overA.Questions[2].Answer)

	assert.Equal(t, []int{2, 1}, countdownValues(connA))
	assert.Equal(t, 0, connA.Count(event.TypeError))

	require.Eventually(t, func() bool { return h.session.ActiveMatches() == 0 }, waitFor, poll)

	ada, err := h.scorer.Lookup(context.Background(), "ada")
	require.NoError(t, err)
	assert.Equal(t, 1, ada.Draws)
	assert.Equal(t, scorer.DefaultRating, ada.Rating)
}

func countdownValues(conn *eventtest.Recorder) []int {
	var values []int

	for _, e := range conn.OfType(event.TypeCountdownTick) {
		if tick, ok := e.Data.(event.CountdownTick); ok {
			values = append(values, tick.Value)
		}
	}

	return values
}

func TestWinnerAndDuplicateAnswers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{})
	a, connA, b, connB := players(0)
	a.Streak = 2

	h.session.StartMatch(a, b)
	waitForEvent(t, connA, event.TypeRoundStart)

	require.NoError(t, h.session.SubmitAnswer(connA.ID(), 2, "javscript"))
	require.NoError(t, h.session.SubmitAnswer(connA.ID(), 2, "javascript"))
	require.NoError(t, h.session.SubmitAnswer(connA.ID(), 7, "javascript"))
	require.NoError(t, h.session.SubmitAnswer(connB.ID(), 0, "Ada"))

	require.Equal(t, 1, connA.Count(event.TypeAnswerResult))

	result, ok := waitForEvent(t, connA, event.TypeAnswerResult).Data.(event.AnswerResult)
	require.True(t, ok)
	assert.True(t, result.Correct)
	assert.True(t, result.Fuzzy)
	assert.Equal(t, 20, result.PointsGained)
	assert.Equal(t, 20, result.YourScore)
	assert.InDelta(t, 2.0, result.Multiplier, 1e-9)

	wrong, ok := waitForEvent(t, connB, event.TypeAnswerResult).Data.(event.AnswerResult)
	require.True(t, ok)
	assert.False(t, wrong.Correct)
	assert.Equal(t, "Linus", wrong.CanonicalAnswer)

	progress, ok := waitForEvent(t, connB, event.TypeOpponentProgress).Data.(event.OpponentProgress)
	require.True(t, ok)
	assert.Equal(t, 20, progress.OpponentScore)

	overA := gameOver(t, connA)
	overB := gameOver(t, connB)

	require.NotNil(t, overA.Winner)
	assert.Equal(t, "ada", *overA.Winner)
	assert.Equal(t, 16, overA.RatingDelta)
	assert.Equal(t, -16, overB.RatingDelta)
	assert.Equal(t, 20, overB.OpponentScore)
}

// The round timer is authoritative: nobody answering still ends in a draw.
func TestZeroAnswersResolveAsDraw(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{roundSeconds: 3})
	a, connA, b, connB := players(0)

	h.session.StartMatch(a, b)

	overA := gameOver(t, connA)
	overB := gameOver(t, connB)

	assert.Nil(t, overA.Winner)
	assert.Zero(t, overA.YourScore)
	assert.Zero(t, overB.YourScore)
	assert.Zero(t, overA.RatingDelta)

	ticks := connA.OfType(event.TypeTimerTick)
	require.NotEmpty(t, ticks)
	last, ok := ticks[len(ticks)-1].Data.(event.TimerTick)
	require.True(t, ok)
	assert.Zero(t, last.SecondsLeft)

	ada, err := h.scorer.Lookup(context.Background(), "ada")
	require.NoError(t, err)
	assert.Equal(t, 1, ada.Draws)
}

func TestQuestionFetchFailureAbortsMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{provider: staticProvider{err: errOffline}})
	a, connA, b, connB := players(0)

	h.session.StartMatch(a, b)

	waitForEvent(t, connA, event.TypeError)
	waitForEvent(t, connB, event.TypeError)

	require.Eventually(t, func() bool { return h.session.ActiveMatches() == 0 }, waitFor, poll)

	assert.Equal(t, 1, connA.Count(event.TypeError))
	assert.Zero(t, connA.Count(event.TypeRoundStart))
	assert.Zero(t, connA.Count(event.TypeGameOver))

	ada, err := h.scorer.Lookup(context.Background(), "ada")
	require.NoError(t, err)
	assert.Zero(t, ada.TotalGames)
	assert.Empty(t, h.ledger.Blocks())
}

func TestDisconnectDuringRound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{})
	a, connA, b, connB := players(0)

	h.session.StartMatch(a, b)
	waitForEvent(t, connA, event.TypeRoundStart)

	h.session.Disconnect(connA.ID())
	h.session.Disconnect(connA.ID())

	assert.Equal(t, 1, connB.Count(event.TypeError))
	assert.Zero(t, h.session.ActiveMatches())
	assert.False(t, h.session.InMatch(connB.ID()))
	require.ErrorIs(t, h.session.SubmitAnswer(connB.ID(), 0, "Linus"), session.ErrNotInMatch)

	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, connB.Count(event.TypeGameOver))

	ada, err := h.scorer.Lookup(context.Background(), "ada")
	require.NoError(t, err)
	assert.Zero(t, ada.TotalGames)
}

func assertAbortedWithoutRating(t *testing.T, h *harness, remaining *eventtest.Recorder) {
	t.Helper()

	require.Eventually(t, func() bool { return h.session.ActiveMatches() == 0 }, waitFor, poll)

	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, remaining.Count(event.TypeError))
	assert.Zero(t, remaining.Count(event.TypeRoundStart))
	assert.Zero(t, remaining.Count(event.TypeGameOver))

	for _, username := range []string{"ada", "linus"} {
		player, err := h.scorer.Lookup(context.Background(), username)
		require.NoError(t, err)
		assert.Zero(t, player.TotalGames, username)
	}
}

func TestDisconnectWhileMatchForming(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, options{lookupGate: gate})
	a, connA, b, connB := players(0)

	started := make(chan struct{})

	go func() {
		defer close(started)

		h.session.StartMatch(a, b)
	}()

	require.Eventually(t, func() bool { return h.session.InMatch(connB.ID()) }, waitFor, poll)

	h.session.Disconnect(connB.ID())
	close(gate)
	<-started

	assert.Zero(t, connA.Count(event.TypeMatchFound))
	assert.Zero(t, connA.Count(event.TypeCountdownTick))
	assert.False(t, h.session.InMatch(connA.ID()))

	assertAbortedWithoutRating(t, h, connA)
}

func TestDisconnectDuringCountdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{countdown: 200})
	a, connA, b, connB := players(0)

	h.session.StartMatch(a, b)
	waitForEvent(t, connB, event.TypeCountdownTick)

	h.session.Disconnect(connA.ID())

	assertAbortedWithoutRating(t, h, connB)
	assert.Zero(t, connA.Count(event.TypeError))
}

func TestDisconnectDuringQuestionFetch(t *testing.T) {
	t.Parallel()

	provider := blockingProvider{started: make(chan struct{}, 1)}
	h := newHarness(t, options{provider: provider})
	a, connA, b, connB := players(0)

	h.session.StartMatch(a, b)

	select {
	case <-provider.started:
	case <-time.After(waitFor):
		require.FailNow(t, "questions were never requested")
	}

	h.session.Disconnect(connA.ID())

	assertAbortedWithoutRating(t, h, connB)
}

func deposit(t *testing.T, h *harness, conn *eventtest.Recorder, proof string) {
	t.Helper()

	h.ledger.Confirm(proof, escrow.StatusConfirmed)
	require.NoError(t, h.session.SubmitDeposit(context.Background(), conn.ID(), proof))
}

func TestDisconnectWithOneDepositRefunds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{})
	a, connA, b, connB := players(escrow.MinWager)

	h.session.StartMatch(a, b)

	setup, ok := waitForEvent(t, connA, event.TypeWagerSetup).Data.(event.WagerSetup)
	require.True(t, ok)
	assert.Equal(t, string(escrow.RoleInitiator), setup.Role)
	assert.Equal(t, "wallet-linus", setup.OpponentWallet)
	assert.NotEmpty(t, setup.EscrowAddress)

	deposit(t, h, connA, "dep-a")
	waitForEvent(t, connB, event.TypeWagerConfirmed)

	h.session.Disconnect(connB.ID())

	assert.Equal(t, 1, connA.Count(event.TypeError))

	require.Eventually(t, func() bool { return len(h.ledger.Blocks()) == 1 }, waitFor, poll)

	refund := h.ledger.Blocks()[0].Instruction
	assert.Equal(t, escrow.KindRefund, refund.Kind)
	assert.Equal(t, []escrow.Transfer{{Wallet: "wallet-ada", Amount: escrow.MinWager}}, refund.Transfers)

	for _, username := range []string{"ada", "linus"} {
		player, err := h.scorer.Lookup(context.Background(), username)
		require.NoError(t, err)
		assert.Zero(t, player.TotalGames)
	}
}

func TestFundedWagerFetchFailureHoldsDepositsForManualReconciliation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{provider: staticProvider{err: errOffline}})
	a, connA, b, connB := players(escrow.MinWager)

	h.session.StartMatch(a, b)
	waitForEvent(t, connA, event.TypeWagerSetup)

	deposit(t, h, connA, "dep-a")
	deposit(t, h, connB, "dep-b")

	waitForEvent(t, connA, event.TypeError)
	waitForEvent(t, connB, event.TypeError)

	require.Eventually(t, func() bool { return h.session.ActiveMatches() == 0 }, waitFor, poll)

	assert.Zero(t, h.escrow.Pending())
	assert.Empty(t, h.ledger.Blocks())
	assert.Zero(t, connA.Count(event.TypeWagerCancelled))
	assert.Zero(t, connA.Count(event.TypeGameOver))
}

func TestDepositRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{})
	a, connA, b, _ := players(escrow.MinWager)

	h.session.StartMatch(a, b)
	waitForEvent(t, connA, event.TypeWagerSetup)

	err := h.session.SubmitDeposit(context.Background(), connA.ID(), "unknown-proof")
	require.ErrorIs(t, err, escrow.ErrDepositRejected)
	assert.Equal(t, 1, connA.Count(event.TypeError))
	assert.Zero(t, connA.Count(event.TypeWagerConfirmed))
	assert.Equal(t, 1, h.escrow.Pending())
}

func TestWagerMatchPaysWinner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{})
	a, connA, b, connB := players(escrow.MinWager)

	h.session.StartMatch(a, b)
	waitForEvent(t, connA, event.TypeWagerSetup)

	require.NoError(t, h.session.SubmitAnswer(connA.ID(), 0, "Linus"))
	assert.Zero(t, connA.Count(event.TypeAnswerResult))

	deposit(t, h, connA, "dep-a")
	deposit(t, h, connB, "dep-b")

	assert.Equal(t, 2, connA.Count(event.TypeWagerConfirmed))

	waitForEvent(t, connB, event.TypeRoundStart)
	require.NoError(t, h.session.SubmitAnswer(connB.ID(), 0, "Linus"))

	overB := gameOver(t, connB)
	require.NotNil(t, overB.Winner)
	assert.Equal(t, "linus", *overB.Winner)

	require.Eventually(t, func() bool { return len(h.ledger.Blocks()) == 1 }, waitFor, poll)

	payout := h.ledger.Blocks()[0].Instruction
	assert.Equal(t, escrow.KindPayout, payout.Kind)
	assert.Equal(t, []escrow.Transfer{{Wallet: "wallet-linus", Amount: 1_900_000}}, payout.Transfers)
	require.NoError(t, h.ledger.Verify())

	require.Eventually(t, func() bool { return h.session.ActiveMatches() == 0 }, waitFor, poll)
}

func TestWagerDrawRefundsBoth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{roundSeconds: 3})
	a, connA, b, connB := players(escrow.MinWager)

	h.session.StartMatch(a, b)
	waitForEvent(t, connA, event.TypeWagerSetup)

	deposit(t, h, connA, "dep-a")
	deposit(t, h, connB, "dep-b")

	gameOver(t, connA)

	require.Eventually(t, func() bool { return len(h.ledger.Blocks()) == 1 }, waitFor, poll)

	refund := h.ledger.Blocks()[0].Instruction
	assert.Equal(t, escrow.KindRefund, refund.Kind)
	assert.Len(t, refund.Transfers, 2)
}

func TestWagerTimeoutCancelsMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{timeout: 30 * time.Millisecond})
	a, connA, b, connB := players(escrow.MinWager)

	h.session.StartMatch(a, b)
	waitForEvent(t, connA, event.TypeWagerSetup)

	deposit(t, h, connB, "dep-b")

	cancelled, ok := waitForEvent(t, connA, event.TypeWagerCancelled).Data.(event.WagerStatus)
	require.True(t, ok)
	assert.NotEmpty(t, cancelled.Reason)
	waitForEvent(t, connB, event.TypeWagerCancelled)

	require.Eventually(t, func() bool { return len(h.ledger.Blocks()) == 1 }, waitFor, poll)
	assert.Equal(t, []escrow.Transfer{{Wallet: "wallet-linus", Amount: escrow.MinWager}},
		h.ledger.Blocks()[0].Instruction.Transfers)

	assert.Zero(t, h.session.ActiveMatches())
	assert.Zero(t, connA.Count(event.TypeCountdownTick))
	assert.Equal(t, 1, connA.Count(event.TypeWagerCancelled))
}

func TestLedgerFailureStillDeliversGameOver(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{roundSeconds: 4, failLedger: true})
	a, connA, b, connB := players(escrow.MinWager)

	h.session.StartMatch(a, b)
	waitForEvent(t, connA, event.TypeWagerSetup)

	deposit(t, h, connA, "dep-a")
	deposit(t, h, connB, "dep-b")

	waitForEvent(t, connA, event.TypeRoundStart)
	require.NoError(t, h.session.SubmitAnswer(connA.ID(), 1, "True"))

	overA := gameOver(t, connA)
	require.NotNil(t, overA.Winner)
	gameOver(t, connB)

	require.Eventually(t, func() bool { return h.session.ActiveMatches() == 0 }, waitFor, poll)

	assert.Zero(t, h.escrow.Pending())
	assert.Empty(t, h.ledger.Blocks())
}

func TestSubmitOutsideMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, options{})

	require.ErrorIs(t, h.session.SubmitAnswer("ghost", 0, "x"), session.ErrNotInMatch)
	require.ErrorIs(t, h.session.SubmitDeposit(context.Background(), "ghost", "p"), session.ErrNotInMatch)

	a, connA, b, _ := players(0)
	h.session.StartMatch(a, b)

	require.ErrorIs(t, h.session.SubmitDeposit(context.Background(), connA.ID(), "p"), session.ErrNotAwaitingDeposit)
	assert.True(t, h.session.InMatch(connA.ID()))
	assert.Equal(t, 1, h.session.ActiveMatches())
}
