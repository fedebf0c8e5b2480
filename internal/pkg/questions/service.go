package questions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
)

const redisDialTimeout = 5 * time.Second

// BankService picks the fill-in bank at startup: redis when an address is
// configured, the embedded set otherwise. A fresh redis set is seeded from the
// embedded questions.
type BankService struct {
	Bank

	client *redis.Client
}

func NewBankService(i do.Injector) (*BankService, error) {
	addr := do.MustInvokeNamed[string](i, "redis-addr")
	password := do.MustInvokeNamed[string](i, "redis-password")
	log := do.MustInvoke[*slog.Logger](i).With("service", "questions")

	embedded, err := NewEmbeddedBank()
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded questions: %w", err)
	}

	if addr == "" {
		log.Info("using embedded fill-in bank", "questions", embedded.Len())

		return &BankService{Bank: embedded}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	bank := NewRedisBank(client)

	count, err := bank.Count(ctx)
	if err != nil {
		_ = client.Close()

		return nil, err
	}

	if count < fillPicked {
		err = bank.Load(ctx, embedded.questions)
		if err != nil {
			_ = client.Close()

			return nil, err
		}

		count = int64(embedded.Len())
	}

	log.Info("using redis fill-in bank", "addr", addr, "questions", count)

	return &BankService{Bank: bank, client: client}, nil
}

func (s *BankService) Shutdown() error {
	if s.client == nil {
		return nil
	}

	//nolint:wrapcheck
	return s.client.Close()
}

func NewProviderService(i do.Injector) (*OpenTDBProvider, error) {
	baseURL := do.MustInvokeNamed[string](i, "opentdb-url")
	category := do.MustInvokeNamed[int](i, "opentdb-category")
	bank := do.MustInvoke[*BankService](i)

	return NewOpenTDBProvider(baseURL, category, bank), nil
}
