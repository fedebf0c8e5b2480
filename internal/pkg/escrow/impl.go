package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/do/v2"
	"github.com/vreid/quizduel/internal/pkg/common"
)

const DefaultDepositTimeout = 35 * time.Second

var (
	ErrInvalidAmount    = errors.New("wager amount below minimum")
	ErrWagerExists      = errors.New("wager already started for match")
	ErrUnknownWager     = errors.New("no wager for match")
	ErrWagerClosed      = errors.New("wager is closed")
	ErrInvalidRole      = errors.New("invalid escrow role")
	ErrDepositRejected  = errors.New("deposit not confirmed by ledger")
	ErrProofReused      = errors.New("deposit proof already used")
	ErrNotFunded        = errors.New("wager is not fully funded")
	ErrAlreadyFinalized = errors.New("wager already finalized")
)

type wager struct {
	setup     Setup
	deposited [2]bool
	timer     *time.Timer
	closed    bool
}

func (w *wager) funded() bool {
	return w.deposited[0] && w.deposited[1]
}

func (w *wager) anyDeposit() bool {
	return w.deposited[0] || w.deposited[1]
}

type EscrowService struct {
	mu        sync.Mutex
	wagers    map[string]*wager
	finalized map[string]bool
	listener  Listener

	// consumed maps every accepted deposit proof and every signature this
	// coordinator submitted to the match it belongs to.
	consumed map[string]string

	Ledger    LedgerClient
	ProgramID string
	Timeout   time.Duration
	MinWager  int64

	log *slog.Logger
}

func NewEscrowService(i do.Injector) (*EscrowService, error) {
	ledger := do.MustInvokeAs[LedgerClient](i)
	programID := do.MustInvokeNamed[string](i, "program-id")
	timeoutSeconds := do.MustInvokeNamed[int](i, "deposit-timeout-seconds")
	minWager := do.MustInvokeNamed[int64](i, "min-wager")
	log := do.MustInvoke[*slog.Logger](i)

	result := NewEscrow(ledger, programID, log)
	result.Timeout = time.Duration(timeoutSeconds) * time.Second
	result.MinWager = minWager

	return result, nil
}

func NewEscrow(ledger LedgerClient, programID string, log *slog.Logger) *EscrowService {
	return &EscrowService{
		wagers:    map[string]*wager{},
		finalized: map[string]bool{},
		consumed:  map[string]string{},

		Ledger:    ledger,
		ProgramID: programID,
		Timeout:   DefaultDepositTimeout,
		MinWager:  MinWager,

		log: log.With("service", "escrow"),
	}
}

// SetListener must be called before the first BeginWager.
func (s *EscrowService) SetListener(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listener = listener
}

// DeriveAddress is deterministic in (programID, matchID).
func DeriveAddress(programID, matchID string) string {
	h := sha256.New()
	h.Write([]byte("wager"))
	h.Write([]byte(matchID))
	h.Write([]byte(programID))

	return hex.EncodeToString(h.Sum(nil))
}

func (s *EscrowService) BeginWager(matchID string, amount int64, wallets [2]string) (Setup, error) {
	if amount < s.MinWager {
		return Setup{}, fmt.Errorf("%w: %d < %d", ErrInvalidAmount, amount, s.MinWager)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wagers[matchID]; ok || s.finalized[matchID] {
		return Setup{}, fmt.Errorf("%w: %s", ErrWagerExists, matchID)
	}

	setup := Setup{
		MatchID: matchID,
		Address: DeriveAddress(s.ProgramID, matchID),
		Amount:  amount,
		Roles:   [2]Role{RoleInitiator, RoleJoiner},
		Wallets: wallets,
	}

	w := &wager{setup: setup}
	w.timer = time.AfterFunc(s.Timeout, func() {
		s.expire(matchID)
	})

	s.wagers[matchID] = w

	s.log.Info("wager started", "match", matchID, "amount", FormatSOL(amount), "escrow", setup.Address)

	return setup, nil
}

// RecordDeposit verifies proof with the ledger and marks role as deposited.
// The ledger is queried without holding the coordinator lock.
//
//nolint:cyclop
func (s *EscrowService) RecordDeposit(ctx context.Context, matchID string, role Role, proof string) (Deposit, error) {
	if !role.Valid() {
		return Deposit{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	s.mu.Lock()

	w, ok := s.wagers[matchID]

	switch {
	case !ok:
		s.mu.Unlock()

		return Deposit{}, fmt.Errorf("%w: %s", ErrUnknownWager, matchID)
	case w.closed:
		s.mu.Unlock()

		return Deposit{}, fmt.Errorf("%w: %s", ErrWagerClosed, matchID)
	case w.deposited[role.index()]:
		funded := w.funded()
		s.mu.Unlock()

		return Deposit{Role: role, Funded: funded}, nil
	case s.consumed[proof] != "":
		owner := s.consumed[proof]
		s.mu.Unlock()

		return Deposit{}, fmt.Errorf("%w: by match %s", ErrProofReused, owner)
	}

	s.mu.Unlock()

	status, err := s.Ledger.CheckStatus(ctx, proof)
	if err != nil {
		s.log.Warn("deposit status check failed", "match", matchID, "role", role, "err", err)

		return Deposit{}, fmt.Errorf("%w: %w: %w", ErrDepositRejected, common.ErrLedgerFailure, err)
	}

	if !status.Settled() {
		return Deposit{}, fmt.Errorf("%w: status %s", ErrDepositRejected, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wagers[matchID] != w || w.closed {
		s.log.Warn("deposit confirmed after wager closed", "match", matchID, "role", role, "proof", proof)

		return Deposit{}, fmt.Errorf("%w: %s", ErrWagerClosed, matchID)
	}

	if owner := s.consumed[proof]; owner != "" {
		return Deposit{}, fmt.Errorf("%w: by match %s", ErrProofReused, owner)
	}

	if w.deposited[role.index()] {
		return Deposit{Role: role, Funded: w.funded()}, nil
	}

	w.deposited[role.index()] = true
	s.consumed[proof] = matchID

	if w.funded() {
		w.timer.Stop()
	}

	s.log.Info("deposit confirmed", "match", matchID, "role", role, "funded", w.funded())

	return Deposit{Role: role, Funded: w.funded()}, nil
}

func (s *EscrowService) expire(matchID string) {
	s.mu.Lock()

	w, ok := s.wagers[matchID]
	if !ok || w.closed || w.funded() {
		s.mu.Unlock()

		return
	}

	w.closed = true
	listener := s.listener

	s.mu.Unlock()

	s.log.Info("deposit window elapsed", "match", matchID)

	if listener != nil {
		listener.WagerExpired(matchID)
	}

	_, err := s.refund(context.Background(), matchID, w.setup.Wallets[0], w.setup.Wallets[1])
	if err != nil && !errors.Is(err, ErrAlreadyFinalized) {
		s.log.Error("timeout refund failed", "match", matchID, "err", err)
	}
}

// claim closes the wager and marks matchID finalized. Only the first caller
// gets the record back.
func (s *EscrowService) claim(matchID string) (*wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized[matchID] {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinalized, matchID)
	}

	w, ok := s.wagers[matchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWager, matchID)
	}

	w.closed = true
	w.timer.Stop()

	s.finalized[matchID] = true
	delete(s.wagers, matchID)

	return w, nil
}

func (s *EscrowService) submit(ctx context.Context, instruction Instruction) (string, error) {
	signature, err := s.Ledger.Submit(ctx, instruction)
	if err != nil {
		s.log.Error("ledger instruction failed",
			"match", instruction.MatchID, "kind", instruction.Kind, "err", err)

		return "", fmt.Errorf("%w: %s %s: %w", common.ErrLedgerFailure, instruction.Kind, instruction.MatchID, err)
	}

	s.mu.Lock()
	s.consumed[signature] = instruction.MatchID
	s.mu.Unlock()

	s.log.Info("ledger instruction submitted",
		"match", instruction.MatchID, "kind", instruction.Kind, "signature", signature)

	return signature, nil
}

// Settle pays the pot minus the platform fee to winnerWallet. It runs at most
// once per match; later Settle or Refund calls return ErrAlreadyFinalized.
func (s *EscrowService) Settle(ctx context.Context, matchID, winnerWallet, p1Wallet, p2Wallet string) (string, error) {
	if winnerWallet != p1Wallet && winnerWallet != p2Wallet {
		return "", fmt.Errorf("%w: winner wallet is not a participant", ErrInvalidRole)
	}

	s.mu.Lock()
	w, ok := s.wagers[matchID]
	notFunded := ok && !w.funded()
	s.mu.Unlock()

	if notFunded {
		return "", fmt.Errorf("%w: %s", ErrNotFunded, matchID)
	}

	w, err := s.claim(matchID)
	if err != nil {
		return "", err
	}

	payout, fee := Split(w.setup.Amount)

	return s.submit(ctx, Instruction{
		Kind:      KindPayout,
		MatchID:   matchID,
		Escrow:    w.setup.Address,
		Transfers: []Transfer{{Wallet: winnerWallet, Amount: payout}},
		Fee:       fee,
	})
}

// Refund returns each confirmed stake. It shares Settle's once-per-match guard.
func (s *EscrowService) Refund(ctx context.Context, matchID, p1Wallet, p2Wallet string) (string, error) {
	return s.refund(ctx, matchID, p1Wallet, p2Wallet)
}

func (s *EscrowService) refund(ctx context.Context, matchID, p1Wallet, p2Wallet string) (string, error) {
	w, err := s.claim(matchID)
	if err != nil {
		return "", err
	}

	wallets := [2]string{p1Wallet, p2Wallet}
	transfers := []Transfer{}

	for idx, deposited := range w.deposited {
		if deposited {
			transfers = append(transfers, Transfer{Wallet: wallets[idx], Amount: w.setup.Amount})
		}
	}

	if len(transfers) == 0 {
		s.log.Info("nothing to refund", "match", matchID)

		return "", nil
	}

	return s.submit(ctx, Instruction{
		Kind:      KindRefund,
		MatchID:   matchID,
		Escrow:    w.setup.Address,
		Transfers: transfers,
	})
}

// Abort closes a wager whose match ended early, refunding any confirmed
// deposit to the wallets given at BeginWager.
func (s *EscrowService) Abort(ctx context.Context, matchID string) (string, error) {
	s.mu.Lock()
	w, ok := s.wagers[matchID]
	s.mu.Unlock()

	if !ok {
		return "", nil
	}

	signature, err := s.refund(ctx, matchID, w.setup.Wallets[0], w.setup.Wallets[1])
	if errors.Is(err, ErrAlreadyFinalized) || errors.Is(err, ErrUnknownWager) {
		return "", nil
	}

	return signature, err
}

// Release closes the wager for matchID without submitting anything to the
// ledger and reports which roles had deposited. Held deposits stay in the
// escrow account for manual reconciliation.
func (s *EscrowService) Release(matchID string) []Role {
	w, err := s.claim(matchID)
	if err != nil {
		return nil
	}

	var held []Role

	for idx, ok := range w.deposited {
		if ok {
			held = append(held, w.setup.Roles[idx])
		}
	}

	if len(held) > 0 {
		s.log.Warn("wager released with held deposits",
			"match", matchID, "address", w.setup.Address, "amount", w.setup.Amount, "roles", held)
	}

	return held
}

func (s *EscrowService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.wagers)
}

func (s *EscrowService) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.wagers {
		w.closed = true
		w.timer.Stop()
	}

	return nil
}
