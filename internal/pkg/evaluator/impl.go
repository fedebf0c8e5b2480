package evaluator

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/vreid/quizduel/internal/pkg/questions"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	BasePoints     = 10
	FuzzyThreshold = 0.65

	streakStep    = 0.5
	maxMultiplier = 3.0
)

type Result struct {
	Correct bool `json:"correct"`
	Fuzzy   bool `json:"fuzzy"`
	Points  int  `json:"points"`
}

// Evaluate scores one submission. It never mutates anything; applying Points
// to a running score is up to the caller.
func Evaluate(q questions.Question, submitted string, streak int) Result {
	given := Normalize(submitted)
	want := Normalize(q.Answer)

	result := Result{}

	switch {
	case given == want:
		result.Correct = true
	case q.Kind == questions.KindFillIn && Similarity(given, want) >= FuzzyThreshold:
		result.Correct = true
		result.Fuzzy = true
	}

	if result.Correct {
		result.Points = Points(streak)
	}

	return result
}

// Multiplier is fixed for a whole match from the streak a player brings in.
func Multiplier(streak int) float64 {
	if streak < 0 {
		streak = 0
	}

	return math.Min(1+float64(streak)*streakStep, maxMultiplier)
}

func Points(streak int) int {
	return int(math.Round(BasePoints * Multiplier(streak)))
}

// Normalize trims and case-folds. A Caser keeps state, so each call gets its own.
func Normalize(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// Similarity is 1 - distance/longest, measured in runes. Two empty strings are
// identical.
func Similarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}

	return 1 - float64(EditDistance(a, b))/float64(longest)
}

// EditDistance is the Levenshtein distance over runes. It keeps two rows sized
// by the shorter input.
func EditDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i

		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(rb)]
}
