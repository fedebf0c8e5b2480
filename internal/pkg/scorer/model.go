package scorer

import "time"

// Player is the persisted rating record for one username.
type Player struct {
	Username   string    `json:"username"`
	Rating     int       `json:"elo"`
	Wins       int       `json:"wins"`
	Losses     int       `json:"losses"`
	Draws      int       `json:"draws"`
	TotalGames int       `json:"total_games"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Score is the actual result from one side's point of view.
type Score float64

const (
	Loss Score = 0
	Draw Score = 0.5
	Win  Score = 1
)

// Outcome is a completed match. An empty Winner is a draw.
type Outcome struct {
	PlayerA string `json:"player_a"`
	PlayerB string `json:"player_b"`
	Winner  string `json:"winner"`
}

func (o Outcome) ScoreA() Score {
	switch o.Winner {
	case o.PlayerA:
		return Win
	case o.PlayerB:
		return Loss
	default:
		return Draw
	}
}

type Change struct {
	Username  string `json:"username"`
	OldRating int    `json:"old_elo"`
	NewRating int    `json:"new_elo"`
	Delta     int    `json:"delta"`
}

type Result struct {
	A Change `json:"a"`
	B Change `json:"b"`
}

// DeltaFor returns the rating change of username, or 0 when it took no part.
func (r Result) DeltaFor(username string) int {
	switch username {
	case r.A.Username:
		return r.A.Delta
	case r.B.Username:
		return r.B.Delta
	default:
		return 0
	}
}
