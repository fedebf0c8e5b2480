package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/quizduel/internal/pkg/common"
	"github.com/vreid/quizduel/internal/pkg/matchmaker"
	"github.com/vreid/quizduel/internal/pkg/scorer"
	"github.com/vreid/quizduel/internal/pkg/session"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

type Stats interface {
	Sizes() matchmaker.QueueSizes
}

type Matches interface {
	ActiveMatches() int
}

type Health struct {
	Status        string                `json:"status"`
	Queues        matchmaker.QueueSizes `json:"queues"`
	ActiveMatches int                   `json:"active_matches"`
}

type GatewayService struct {
	Dispatcher *Dispatcher

	stats    Stats
	matches  Matches
	ratings  *scorer.ScorerService
	upgrader websocket.Upgrader

	ctx  context.Context //nolint:containedctx
	stop context.CancelFunc
	log  *slog.Logger
}

func NewGatewayService(i do.Injector) (*GatewayService, error) {
	matchmakerService := do.MustInvoke[*matchmaker.MatchmakerService](i)
	sessionService := do.MustInvoke[*session.SessionService](i)
	scorerService := do.MustInvoke[*scorer.ScorerService](i)
	minWager := do.MustInvokeNamed[int64](i, "min-wager")
	log := do.MustInvoke[*slog.Logger](i).With("service", "gateway")

	dispatcher := NewDispatcher(matchmakerService, sessionService, minWager, log)
	result := NewGateway(dispatcher, matchmakerService, sessionService, scorerService, log)

	echoService := do.MustInvoke[*common.EchoService](i)
	echoService.Register(result.Routes)

	return result, nil
}

func NewGateway(
	dispatcher *Dispatcher,
	stats Stats,
	matches Matches,
	ratings *scorer.ScorerService,
	log *slog.Logger,
) *GatewayService {
	ctx, stop := context.WithCancel(context.Background())

	return &GatewayService{
		Dispatcher: dispatcher,

		stats:   stats,
		matches: matches,
		ratings: ratings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024, //nolint:mnd
			WriteBufferSize: 1024, //nolint:mnd
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},

		ctx:  ctx,
		stop: stop,
		log:  log,
	}
}

func (s *GatewayService) Routes(e *echo.Echo) {
	e.GET("/ws", s.GetWebSocket)

	apiGroup := e.Group("/api")

	apiGroup.GET("/health", s.GetHealth)
	apiGroup.GET("/players/:username", s.GetPlayer)
	apiGroup.GET("/leaderboard", s.GetLeaderboard)
}

func (s *GatewayService) GetWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)

		// the upgrader has already answered the request
		return nil
	}

	client := NewClient(conn, s.log)
	s.log.Debug("client connected", "conn", client.ID(), "remote", c.RealIP())

	go client.WritePump()

	client.ReadPump(func(raw []byte) {
		s.Dispatcher.Dispatch(s.ctx, client, raw)
	})

	s.Dispatcher.Close(client)
	s.log.Debug("client disconnected", "conn", client.ID())

	return nil
}

func (s *GatewayService) GetHealth(c echo.Context) error {
	//nolint:wrapcheck
	return c.JSON(http.StatusOK, Health{
		Status:        "ok",
		Queues:        s.stats.Sizes(),
		ActiveMatches: s.matches.ActiveMatches(),
	})
}

func (s *GatewayService) GetPlayer(c echo.Context) error {
	username := strings.TrimSpace(c.Param("username"))
	if username == "" || len([]rune(username)) > MaxUsernameLength {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid username")
	}

	player, err := s.ratings.Lookup(c.Request().Context(), username)
	if err != nil {
		s.log.Error("player lookup failed", "player", username, "err", err)

		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load player")
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, player, "  ")
}

func (s *GatewayService) GetLeaderboard(c echo.Context) error {
	limit := defaultLeaderboardLimit

	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}

		limit = min(parsed, maxLeaderboardLimit)
	}

	players, err := s.ratings.Leaderboard(c.Request().Context(), limit)
	if err != nil {
		s.log.Error("leaderboard failed", "err", err)

		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load leaderboard")
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, players, "  ")
}

func (s *GatewayService) Shutdown() error {
	s.stop()

	return nil
}
