package event

type Type string

const (
	TypeQueueUpdate      Type = "queue-update"
	TypeMatchFound       Type = "match-found"
	TypeWagerSetup       Type = "wager-setup"
	TypeWagerConfirmed   Type = "wager-confirmed"
	TypeWagerCancelled   Type = "wager-cancelled"
	TypeCountdownTick    Type = "countdown-tick"
	TypeRoundStart       Type = "round-start"
	TypeTimerTick        Type = "timer-tick"
	TypeAnswerResult     Type = "answer-result"
	TypeOpponentProgress Type = "opponent-progress"
	TypeGameOver         Type = "game-over"
	TypeError            Type = "error"

	TypeEnqueue      Type = "enqueue"
	TypeLeaveQueue   Type = "leave-queue"
	TypeSubmitAnswer Type = "submit-answer"
	TypeDepositProof Type = "deposit-proof"
)

type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data,omitempty"`
}

type QueueUpdate struct {
	Position int `json:"position"`
}

type MatchFound struct {
	OpponentName   string  `json:"opponentName"`
	Multiplier     float64 `json:"multiplier"`
	IsWager        bool    `json:"isWager"`
	MyRating       int     `json:"myRating"`
	OpponentRating int     `json:"opponentRating"`
}

type WagerSetup struct {
	Role           string `json:"role"`
	Amount         int64  `json:"amount"`
	EscrowAddress  string `json:"escrowAddress"`
	OpponentWallet string `json:"opponentWallet"`
}

type WagerStatus struct {
	Reason string `json:"reason,omitempty"`
}

type CountdownTick struct {
	Value int `json:"value"`
}

type PublicQuestion struct {
	Kind    string   `json:"kind"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

type RoundStart struct {
	Questions []PublicQuestion `json:"questions"`
}

type TimerTick struct {
	SecondsLeft int `json:"secondsLeft"`
}

type AnswerResult struct {
	Correct         bool    `json:"correct"`
	Fuzzy           bool    `json:"fuzzy"`
	CanonicalAnswer string  `json:"canonicalAnswer"`
	YourScore       int     `json:"yourScore"`
	PointsGained    int     `json:"pointsGained"`
	Multiplier      float64 `json:"multiplier"`
}

type OpponentProgress struct {
	OpponentScore int `json:"opponentScore"`
}

type RevealedQuestion struct {
	Kind    string   `json:"kind"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Answer  string   `json:"answer"`
}

type GameOver struct {
	// Winner is nil on a draw.
	Winner        *string            `json:"winner"`
	YourScore     int                `json:"yourScore"`
	OpponentScore int                `json:"opponentScore"`
	Questions     []RevealedQuestion `json:"questions"`
	RatingDelta   int                `json:"ratingDelta"`
}

type Error struct {
	Message string `json:"message"`
}

// Inbound payloads.

type Enqueue struct {
	Username    string `json:"username"`
	Streak      int    `json:"streak"`
	WagerAmount int64  `json:"wagerAmount"`
	WalletID    string `json:"walletId,omitempty"`
}

type SubmitAnswer struct {
	QuestionIndex int    `json:"questionIndex"`
	AnswerText    string `json:"answerText"`
}

type DepositProof struct {
	ProofToken string `json:"proofToken"`
}
