package matchmaker

import (
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/quizduel/internal/pkg/common"
	"github.com/vreid/quizduel/internal/pkg/event"
)

type MatchmakerService struct {
	mu    sync.Mutex
	free  []Player
	wager map[int64][]Player

	pairer Pairer
	log    *slog.Logger
}

func NewMatchmakerService(i do.Injector) (*MatchmakerService, error) {
	pairer := do.MustInvokeAs[Pairer](i)
	log := do.MustInvoke[*slog.Logger](i)

	result := NewMatchmaker(pairer, log)

	echoService := do.MustInvoke[*common.EchoService](i)
	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		matchmakerGroup := apiGroup.Group("/matchmaker")

		matchmakerGroup.GET("/queues", result.GetQueues)
	})

	return result, nil
}

func NewMatchmaker(pairer Pairer, log *slog.Logger) *MatchmakerService {
	return &MatchmakerService{
		wager: map[int64][]Player{},

		pairer: pairer,
		log:    log.With("service", "matchmaker"),
	}
}

func without(queue []Player, connID string) ([]Player, bool) {
	idx := slices.IndexFunc(queue, func(p Player) bool {
		return p.Conn.ID() == connID
	})
	if idx < 0 {
		return queue, false
	}

	return slices.Delete(queue, idx, idx+1), true
}

func (s *MatchmakerService) removeLocked(connID string) bool {
	var removed bool

	s.free, removed = without(s.free, connID)

	for amount, queue := range s.wager {
		var found bool

		queue, found = without(queue, connID)
		if !found {
			continue
		}

		removed = true

		if len(queue) == 0 {
			delete(s.wager, amount)
		} else {
			s.wager[amount] = queue
		}
	}

	return removed
}

// Enqueue puts p at the back of its tier and pairs the two oldest entries as
// long as the tier holds two. Pairs are handed to the Pairer after the queue
// lock is released. It returns the position p was given (1-based).
func (s *MatchmakerService) Enqueue(p Player) int {
	s.mu.Lock()

	s.removeLocked(p.Conn.ID())

	var position int

	if p.Wager == 0 {
		s.free = append(s.free, p)
		position = len(s.free)
	} else {
		s.wager[p.Wager] = append(s.wager[p.Wager], p)
		position = len(s.wager[p.Wager])
	}

	p.Conn.Send(event.New(event.TypeQueueUpdate, event.QueueUpdate{Position: position}))

	var pairs [][2]Player

	if p.Wager == 0 {
		for len(s.free) >= 2 {
			pairs = append(pairs, [2]Player{s.free[0], s.free[1]})
			s.free = s.free[2:]
		}
	} else {
		queue := s.wager[p.Wager]
		for len(queue) >= 2 {
			pairs = append(pairs, [2]Player{queue[0], queue[1]})
			queue = queue[2:]
		}

		if len(queue) == 0 {
			delete(s.wager, p.Wager)
		} else {
			s.wager[p.Wager] = queue
		}
	}

	s.mu.Unlock()

	s.log.Debug("player queued", "player", p.Username, "wager", p.Wager, "position", position)

	for _, pair := range pairs {
		s.log.Info("players paired", "p1", pair[0].Username, "p2", pair[1].Username, "wager", p.Wager)
		s.pairer.StartMatch(pair[0], pair[1])
	}

	return position
}

func (s *MatchmakerService) Dequeue(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(connID)
}

func (s *MatchmakerService) Sizes() QueueSizes {
	s.mu.Lock()
	defer s.mu.Unlock()

	sizes := QueueSizes{
		Free:  len(s.free),
		Wager: make(map[int64]int, len(s.wager)),
	}

	for amount, queue := range s.wager {
		sizes.Wager[amount] = len(queue)
	}

	return sizes
}

func (s *MatchmakerService) GetQueues(c echo.Context) error {
	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, s.Sizes(), "  ")
}
