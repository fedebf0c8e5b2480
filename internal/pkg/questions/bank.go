package questions

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/redis/go-redis/v9"
)

const FillQuestionsKey = "quizduel:fill_questions"

var ErrBankTooSmall = errors.New("not enough questions in bank")

//go:embed fill_in_blank.json
var embeddedFillIn []byte

// Bank hands out fill-in-the-blank questions.
type Bank interface {
	Random(ctx context.Context, n int) ([]Question, error)
}

type MemoryBank struct {
	mu        sync.RWMutex
	questions []Question
}

func NewMemoryBank(questions []Question) *MemoryBank {
	return &MemoryBank{questions: append([]Question(nil), questions...)}
}

// NewEmbeddedBank loads the fill-in-the-blank set compiled into the binary.
func NewEmbeddedBank() (*MemoryBank, error) {
	questions, err := ParseFillIn(embeddedFillIn)
	if err != nil {
		return nil, err
	}

	return NewMemoryBank(questions), nil
}

func (b *MemoryBank) Random(_ context.Context, n int) ([]Question, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.questions) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrBankTooSmall, n, len(b.questions))
	}

	shuffled, err := Shuffle(b.questions)
	if err != nil {
		return nil, err
	}

	return shuffled[:n], nil
}

func (b *MemoryBank) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.questions)
}

// RedisBank keeps the fill-in set in a redis set so several processes can
// share one curated pool.
type RedisBank struct {
	client *redis.Client
}

func NewRedisBank(client *redis.Client) *RedisBank {
	return &RedisBank{client: client}
}

// Load replaces the stored set with the given questions.
func (b *RedisBank) Load(ctx context.Context, questions []Question) error {
	members := make([]any, 0, len(questions))

	for _, q := range questions {
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to marshal question: %w", err)
		}

		members = append(members, string(data))
	}

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, FillQuestionsKey)

		if len(members) > 0 {
			pipe.SAdd(ctx, FillQuestionsKey, members...)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load question bank: %w", err)
	}

	return nil
}

func (b *RedisBank) Count(ctx context.Context) (int64, error) {
	count, err := b.client.SCard(ctx, FillQuestionsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count question bank: %w", err)
	}

	return count, nil
}

func (b *RedisBank) Random(ctx context.Context, n int) ([]Question, error) {
	raw, err := b.client.SRandMemberN(ctx, FillQuestionsKey, int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to draw from question bank: %w", err)
	}

	if len(raw) < n {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrBankTooSmall, n, len(raw))
	}

	result := make([]Question, 0, len(raw))

	for _, member := range raw {
		var q Question

		err := json.Unmarshal([]byte(member), &q)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored question: %w", err)
		}

		q.Kind = KindFillIn
		result = append(result, q)
	}

	return result, nil
}

func ParseFillIn(data []byte) ([]Question, error) {
	var raw []struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
	}

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fill-in questions: %w", err)
	}

	result := make([]Question, 0, len(raw))
	for _, r := range raw {
		result = append(result, Question{
			Kind:    KindFillIn,
			Prompt:  r.Question,
			Options: []string{},
			Answer:  r.Answer,
		})
	}

	return result, nil
}

// Shuffle returns a Fisher-Yates shuffled copy.
func Shuffle[T any](in []T) ([]T, error) {
	out := append([]T(nil), in...)

	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("failed to generate random index: %w", err)
		}

		k := int(j.Int64())
		out[i], out[k] = out[k], out[i]
	}

	return out, nil
}
