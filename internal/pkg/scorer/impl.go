package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/samber/do/v2"
)

const (
	DefaultRating = 1200
	RatingFloor   = 100
	KFactor       = 32.0
)

type ScorerService struct {
	Store Store

	log *slog.Logger
}

func NewScorerService(i do.Injector) (*ScorerService, error) {
	store := do.MustInvokeAs[Store](i)
	log := do.MustInvoke[*slog.Logger](i)

	return NewScorer(store, log), nil
}

func NewScorer(store Store, log *slog.Logger) *ScorerService {
	return &ScorerService{
		Store: store,

		log: log.With("service", "scorer"),
	}
}

func CalculateExpectedScore(ratingA, ratingB float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (ratingB-ratingA)/400.0))
}

func adjust(rating int, actual Score, expected float64) int {
	updated := math.Round(float64(rating) + KFactor*(float64(actual)-expected))

	return max(RatingFloor, int(updated))
}

// Settle applies one match result to both ratings. B's actual score is the
// complement of A's.
func Settle(ratingA, ratingB int, outcomeA Score) (int, int, int, int) {
	expectedA := CalculateExpectedScore(float64(ratingA), float64(ratingB))
	expectedB := CalculateExpectedScore(float64(ratingB), float64(ratingA))

	newA := adjust(ratingA, outcomeA, expectedA)
	newB := adjust(ratingB, Win-outcomeA, expectedB)

	return newA, newB, newA - ratingA, newB - ratingB
}

func (s *ScorerService) Lookup(ctx context.Context, username string) (Player, error) {
	player, err := s.Store.GetOrCreate(ctx, username)
	if err != nil {
		return Player{}, fmt.Errorf("failed to look up %s: %w", username, err)
	}

	return player, nil
}

func (s *ScorerService) HandleOutcome(ctx context.Context, outcome Outcome) (Result, error) {
	var result Result

	err := s.Store.Apply(ctx, outcome.PlayerA, outcome.PlayerB, func(a, b *Player) {
		scoreA := outcome.ScoreA()

		newA, newB, deltaA, deltaB := Settle(a.Rating, b.Rating, scoreA)

		result = Result{
			A: Change{Username: a.Username, OldRating: a.Rating, NewRating: newA, Delta: deltaA},
			B: Change{Username: b.Username, OldRating: b.Rating, NewRating: newB, Delta: deltaB},
		}

		a.record(newA, scoreA)
		b.record(newB, Win-scoreA)
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to apply outcome: %w", err)
	}

	s.log.Info("ratings updated",
		"player_a", result.A.Username, "delta_a", result.A.Delta,
		"player_b", result.B.Username, "delta_b", result.B.Delta)

	return result, nil
}

func (s *ScorerService) Leaderboard(ctx context.Context, limit int) ([]Player, error) {
	players, err := s.Store.Top(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}

	return players, nil
}
