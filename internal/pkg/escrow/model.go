package escrow

import (
	"context"

	"github.com/shopspring/decimal"
)

const (
	// MinWager is the smallest stake accepted, in lamports.
	MinWager = 1_000_000

	// PlatformFeeBps is taken from the pot on payout, in basis points.
	PlatformFeeBps = 500

	lamportsPerSOL = 9
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

func (r Role) index() int {
	if r == RoleJoiner {
		return 1
	}

	return 0
}

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleJoiner
}

// Status is what the ledger reports for a signature.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
)

func (s Status) Settled() bool {
	return s == StatusConfirmed || s == StatusFinalized
}

type InstructionKind string

const (
	KindPayout InstructionKind = "payout"
	KindRefund InstructionKind = "refund"
)

type Transfer struct {
	Wallet string `json:"wallet"`
	Amount int64  `json:"amount"`
}

// Instruction is the chain-agnostic request handed to a LedgerClient.
type Instruction struct {
	Kind      InstructionKind `json:"kind"`
	MatchID   string          `json:"match_id"`
	Escrow    string          `json:"escrow"`
	Transfers []Transfer      `json:"transfers"`
	Fee       int64           `json:"fee"`
}

type LedgerClient interface {
	Submit(ctx context.Context, instruction Instruction) (string, error)
	CheckStatus(ctx context.Context, signature string) (Status, error)
}

// Listener is told when a deposit window closes without both deposits.
type Listener interface {
	WagerExpired(matchID string)
}

type Setup struct {
	MatchID string    `json:"match_id"`
	Address string    `json:"escrow_address"`
	Amount  int64     `json:"amount"`
	Roles   [2]Role   `json:"roles"`
	Wallets [2]string `json:"wallets"`
}

type Deposit struct {
	Role   Role `json:"role"`
	Funded bool `json:"funded"`
}

// FormatSOL renders lamports as SOL for logs.
func FormatSOL(lamports int64) string {
	return decimal.New(lamports, -lamportsPerSOL).String() + " SOL"
}

// Split returns the winner's payout and the platform fee for a two-player pot.
func Split(stake int64) (int64, int64) {
	pot := decimal.NewFromInt(stake).Mul(decimal.NewFromInt(2))
	fee := pot.Mul(decimal.NewFromInt(PlatformFeeBps)).Div(decimal.NewFromInt(10_000)).Floor()

	return pot.Sub(fee).IntPart(), fee.IntPart()
}
