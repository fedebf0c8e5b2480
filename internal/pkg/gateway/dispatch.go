package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vreid/quizduel/internal/pkg/common"
	"github.com/vreid/quizduel/internal/pkg/event"
	"github.com/vreid/quizduel/internal/pkg/matchmaker"
	"github.com/vreid/quizduel/internal/pkg/session"
)

const MaxUsernameLength = 20

var (
	ErrUsernameRequired = fmt.Errorf("%w: username is required", common.ErrValidation)
	ErrWalletRequired   = fmt.Errorf("%w: wallet is required for wagers", common.ErrValidation)
	ErrWagerTooSmall    = fmt.Errorf("%w: wager below minimum", common.ErrValidation)
	ErrAlreadyInMatch   = fmt.Errorf("%w: already in a match", common.ErrValidation)
	ErrUnknownType      = fmt.Errorf("%w: unknown message type", common.ErrValidation)
	ErrMalformed        = fmt.Errorf("%w: malformed message", common.ErrValidation)
)

type Queue interface {
	Enqueue(p matchmaker.Player) int
	Dequeue(connID string) bool
}

type Sessions interface {
	InMatch(connID string) bool
	SubmitAnswer(connID string, index int, text string) error
	SubmitDeposit(ctx context.Context, connID, proof string) error
	Disconnect(connID string)
}

type inbound struct {
	Type event.Type      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Dispatcher turns inbound frames into matchmaker and session calls.
type Dispatcher struct {
	Queue    Queue
	Sessions Sessions
	MinWager int64

	log *slog.Logger
}

func NewDispatcher(queue Queue, sessions Sessions, minWager int64, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		Queue:    queue,
		Sessions: sessions,
		MinWager: minWager,

		log: log,
	}
}

// ValidateEnqueue trims and bounds the request. Negative streaks and wagers
// are clamped to zero.
func ValidateEnqueue(req event.Enqueue, minWager int64) (event.Enqueue, error) {
	username := strings.TrimSpace(req.Username)
	if runes := []rune(username); len(runes) > MaxUsernameLength {
		username = strings.TrimSpace(string(runes[:MaxUsernameLength]))
	}

	if username == "" {
		return event.Enqueue{}, ErrUsernameRequired
	}

	result := event.Enqueue{
		Username:    username,
		Streak:      max(req.Streak, 0),
		WagerAmount: max(req.WagerAmount, 0),
		WalletID:    strings.TrimSpace(req.WalletID),
	}

	if result.WagerAmount > 0 {
		if result.WalletID == "" {
			return event.Enqueue{}, ErrWalletRequired
		}

		if result.WagerAmount < minWager {
			return event.Enqueue{}, ErrWagerTooSmall
		}
	}

	return result, nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	err := json.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return nil
}

func (d *Dispatcher) handle(ctx context.Context, conn event.Conn, msg inbound) error {
	switch msg.Type {
	case event.TypeEnqueue:
		var req event.Enqueue

		err := decode(msg.Data, &req)
		if err != nil {
			return err
		}

		req, err = ValidateEnqueue(req, d.MinWager)
		if err != nil {
			return err
		}

		if d.Sessions.InMatch(conn.ID()) {
			return ErrAlreadyInMatch
		}

		d.Queue.Enqueue(matchmaker.Player{
			Username: req.Username,
			Streak:   req.Streak,
			Wager:    req.WagerAmount,
			Wallet:   req.WalletID,
			Conn:     conn,
		})

		return nil
	case event.TypeLeaveQueue:
		d.Queue.Dequeue(conn.ID())

		return nil
	case event.TypeSubmitAnswer:
		var req event.SubmitAnswer

		err := decode(msg.Data, &req)
		if err != nil {
			return err
		}

		//nolint:wrapcheck
		return d.Sessions.SubmitAnswer(conn.ID(), req.QuestionIndex, req.AnswerText)
	case event.TypeDepositProof:
		var req event.DepositProof

		err := decode(msg.Data, &req)
		if err != nil {
			return err
		}

		//nolint:wrapcheck
		return d.Sessions.SubmitDeposit(ctx, conn.ID(), strings.TrimSpace(req.ProofToken))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// Dispatch handles one raw frame. Validation and state errors are reported
// back to conn as an error event; a rejected deposit has already been
// reported by the session.
func (d *Dispatcher) Dispatch(ctx context.Context, conn event.Conn, raw []byte) {
	var msg inbound

	err := json.Unmarshal(raw, &msg)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformed, err)
	} else {
		err = d.handle(ctx, conn, msg)
	}

	if err == nil {
		return
	}

	d.log.Debug("inbound message rejected", "conn", conn.ID(), "type", msg.Type, "err", err)

	switch {
	case errors.Is(err, common.ErrValidation):
		conn.Send(event.Failure(strings.TrimPrefix(err.Error(), common.ErrValidation.Error()+": ")))
	case errors.Is(err, session.ErrNotInMatch), errors.Is(err, session.ErrNotAwaitingDeposit):
		conn.Send(event.Failure(err.Error()))
	}
}

// Close drops every trace of conn from the queues and any live match.
func (d *Dispatcher) Close(conn event.Conn) {
	d.Queue.Dequeue(conn.ID())
	d.Sessions.Disconnect(conn.ID())
}
