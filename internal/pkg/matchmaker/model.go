package matchmaker

import "github.com/vreid/quizduel/internal/pkg/event"

// Player is a queue entry. Wager 0 is the free tier; any other value is its
// own tier keyed by the exact amount.
type Player struct {
	Username string `json:"username"`
	Streak   int    `json:"streak"`
	Wager    int64  `json:"wager"`
	Wallet   string `json:"wallet"`

	Conn event.Conn `json:"-"`
}

// Pairer receives every pair the matchmaker pops. p1 is the player who waited
// longer.
type Pairer interface {
	StartMatch(p1, p2 Player)
}

type QueueSizes struct {
	Free  int           `json:"free"`
	Wager map[int64]int `json:"wager"`
}
