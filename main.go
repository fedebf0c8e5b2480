package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/samber/do/v2"
	"github.com/vreid/quizduel/internal/pkg/common"
	"github.com/vreid/quizduel/internal/pkg/escrow"
	"github.com/vreid/quizduel/internal/pkg/gateway"
	"github.com/vreid/quizduel/internal/pkg/ledger"
	"github.com/vreid/quizduel/internal/pkg/matchmaker"
	"github.com/vreid/quizduel/internal/pkg/questions"
	"github.com/vreid/quizduel/internal/pkg/scorer"
	"github.com/vreid/quizduel/internal/pkg/session"

	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

type QuizduelService struct {
	EchoService *common.EchoService `do:""`

	GatewayService    *gateway.GatewayService       `do:""`
	MatchmakerService *matchmaker.MatchmakerService `do:""`
}

func newLogger(level string) *slog.Logger {
	logger := pterm.DefaultLogger

	switch strings.ToLower(level) {
	case "trace":
		logger.Level = pterm.LogLevelTrace
	case "debug":
		logger.Level = pterm.LogLevelDebug
	case "warn":
		logger.Level = pterm.LogLevelWarn
	case "error":
		logger.Level = pterm.LogLevelError
	default:
		logger.Level = pterm.LogLevelInfo
	}

	return slog.New(pterm.NewSlogHandler(&logger))
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	i := do.New()

	logger := newLogger(cmd.String("log-level"))
	do.ProvideValue(i, logger)

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))

	do.ProvideNamedValue(i, "countdown", cmd.Int("countdown"))
	do.ProvideNamedValue(i, "round-seconds", cmd.Int("round-seconds"))

	do.ProvideNamedValue(i, "opentdb-url", cmd.String("opentdb-url"))
	do.ProvideNamedValue(i, "opentdb-category", cmd.Int("opentdb-category"))
	do.ProvideNamedValue(i, "redis-addr", cmd.String("redis-addr"))
	do.ProvideNamedValue(i, "redis-password", cmd.String("redis-password"))

	do.ProvideNamedValue(i, "program-id", cmd.String("program-id"))
	do.ProvideNamedValue(i, "deposit-timeout-seconds", cmd.Int("deposit-timeout-seconds"))
	do.ProvideNamedValue(i, "min-wager", cmd.Int64("min-wager"))
	do.ProvideNamedValue(i, "ledger-auto-confirm", cmd.Bool("ledger-auto-confirm"))

	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, common.NewEchoService)

	do.Provide(i, scorer.NewBoltStore)
	do.Provide(i, scorer.NewScorerService)

	do.Provide(i, ledger.NewLedgerService)
	do.Provide(i, escrow.NewEscrowService)

	do.Provide(i, questions.NewBankService)
	do.Provide(i, questions.NewProviderService)

	do.Provide(i, session.NewSessionService)
	do.Provide(i, matchmaker.NewMatchmakerService)
	do.Provide(i, gateway.NewGatewayService)

	do.Provide(i, do.InvokeStruct[QuizduelService])

	quizduelService, err := do.Invoke[QuizduelService](i)
	if err != nil {
		return fmt.Errorf("failed to create quizduel service: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)

	go func() {
		errChan <- quizduelService.EchoService.Start()
	}()

	select {
	case err = <-errChan:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	report := i.ShutdownWithContext(shutdownCtx)
	if report != nil && !report.Succeed {
		logger.Error("shutdown incomplete", "err", report.Error())
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func main() {
	//nolint:exhaustruct
	cmd := &cli.Command{
		Name:  "quizduel",
		Usage: "real-time 1v1 trivia matches",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   3001, //nolint:mnd
						Sources: cli.EnvVars("QUIZDUEL_PORT"),
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./quizduel/data",
						Sources: cli.EnvVars("QUIZDUEL_DATA_DIR"),
					},
					&cli.IntFlag{
						Name:    "countdown",
						Value:   5, //nolint:mnd
						Sources: cli.EnvVars("QUIZDUEL_COUNTDOWN"),
					},
					&cli.IntFlag{
						Name:    "round-seconds",
						Value:   60, //nolint:mnd
						Sources: cli.EnvVars("QUIZDUEL_ROUND_SECONDS"),
					},
					&cli.IntFlag{
						Name:    "deposit-timeout-seconds",
						Value:   35, //nolint:mnd
						Sources: cli.EnvVars("QUIZDUEL_DEPOSIT_TIMEOUT_SECONDS"),
					},
					&cli.StringFlag{
						Name:    "opentdb-url",
						Value:   questions.DefaultOpenTDBURL,
						Sources: cli.EnvVars("QUIZDUEL_OPENTDB_URL"),
					},
					&cli.IntFlag{
						Name:    "opentdb-category",
						Value:   18, //nolint:mnd
						Sources: cli.EnvVars("QUIZDUEL_OPENTDB_CATEGORY"),
					},
					&cli.StringFlag{
						Name:    "redis-addr",
						Sources: cli.EnvVars("QUIZDUEL_REDIS_ADDR"),
					},
					&cli.StringFlag{
						Name:    "redis-password",
						Sources: cli.EnvVars("QUIZDUEL_REDIS_PASSWORD"),
					},
					&cli.StringFlag{
						Name:    "program-id",
						Value:   "7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs",
						Sources: cli.EnvVars("QUIZDUEL_PROGRAM_ID"),
					},
					&cli.BoolFlag{
						Name:    "ledger-auto-confirm",
						Sources: cli.EnvVars("QUIZDUEL_LEDGER_AUTO_CONFIRM"),
					},
					&cli.Int64Flag{
						Name:    "min-wager",
						Value:   escrow.MinWager,
						Sources: cli.EnvVars("QUIZDUEL_MIN_WAGER"),
					},
					&cli.StringFlag{
						Name:    "log-level",
						Value:   "info",
						Sources: cli.EnvVars("QUIZDUEL_LOG_LEVEL"),
					},
				},
				Action: runServer,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
