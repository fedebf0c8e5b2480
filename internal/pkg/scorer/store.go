package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/do/v2"
	"github.com/vreid/quizduel/internal/pkg/common"
	"go.etcd.io/bbolt"
)

var (
	ErrPlayersBucketNotFound = errors.New("players bucket doesn't exist")
	ErrSamePlayer            = errors.New("outcome needs two distinct players")
)

// Store persists rating records. Apply loads (or creates) both players, hands
// them to fn and writes both back atomically.
type Store interface {
	GetOrCreate(ctx context.Context, username string) (Player, error)
	Apply(ctx context.Context, usernameA, usernameB string, fn func(a, b *Player)) error
	Top(ctx context.Context, limit int) ([]Player, error)
}

func newPlayer(username string) Player {
	return Player{
		Username: username,
		Rating:   DefaultRating,
	}
}

func (p *Player) record(rating int, score Score) {
	p.Rating = rating
	p.TotalGames++
	p.UpdatedAt = time.Now().UTC()

	switch score {
	case Win:
		p.Wins++
	case Loss:
		p.Losses++
	default:
		p.Draws++
	}
}

func rank(players []Player, limit int) []Player {
	slices.SortStableFunc(players, func(a, b Player) int {
		if a.Rating != b.Rating {
			return b.Rating - a.Rating
		}

		return b.Wins - a.Wins
	})

	if limit > 0 && len(players) > limit {
		players = players[:limit]
	}

	return players
}

type MemoryStore struct {
	mu      sync.Mutex
	players map[string]Player
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players: map[string]Player{},
	}
}

func (s *MemoryStore) load(username string) Player {
	player, ok := s.players[username]
	if !ok {
		player = newPlayer(username)
		s.players[username] = player
	}

	return player
}

func (s *MemoryStore) GetOrCreate(_ context.Context, username string) (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(username), nil
}

func (s *MemoryStore) Apply(_ context.Context, usernameA, usernameB string, fn func(a, b *Player)) error {
	if usernameA == usernameB {
		return ErrSamePlayer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, b := s.load(usernameA), s.load(usernameB)
	fn(&a, &b)

	s.players[usernameA] = a
	s.players[usernameB] = b

	return nil
}

func (s *MemoryStore) Top(_ context.Context, limit int) ([]Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	players := make([]Player, 0, len(s.players))
	for _, player := range s.players {
		players = append(players, player)
	}

	return rank(players, limit), nil
}

type BoltStore struct {
	DatabaseService *common.DatabaseService
}

func NewBoltStore(i do.Injector) (*BoltStore, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)

	return &BoltStore{
		DatabaseService: databaseService,
	}, nil
}

func getPlayer(bucket *bbolt.Bucket, username string) (Player, error) {
	data := bucket.Get([]byte(username))
	if data == nil {
		return newPlayer(username), nil
	}

	var player Player

	err := json.Unmarshal(data, &player)
	if err != nil {
		return Player{}, fmt.Errorf("failed to decode player %s: %w", username, err)
	}

	return player, nil
}

func putPlayer(bucket *bbolt.Bucket, player Player) error {
	data, err := json.Marshal(player)
	if err != nil {
		return fmt.Errorf("failed to encode player %s: %w", player.Username, err)
	}

	err = bucket.Put([]byte(player.Username), data)
	if err != nil {
		return fmt.Errorf("failed to put player %s: %w", player.Username, err)
	}

	return nil
}

func (s *BoltStore) GetOrCreate(_ context.Context, username string) (Player, error) {
	var player Player

	err := s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(common.ScorerPlayersBucket))
		if bucket == nil {
			return ErrPlayersBucketNotFound
		}

		var err error

		player, err = getPlayer(bucket, username)
		if err != nil {
			return err
		}

		if bucket.Get([]byte(username)) != nil {
			return nil
		}

		return putPlayer(bucket, player)
	})
	if err != nil {
		//nolint:wrapcheck
		return Player{}, err
	}

	return player, nil
}

func (s *BoltStore) Apply(_ context.Context, usernameA, usernameB string, fn func(a, b *Player)) error {
	if usernameA == usernameB {
		return ErrSamePlayer
	}

	//nolint:wrapcheck
	return s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(common.ScorerPlayersBucket))
		if bucket == nil {
			return ErrPlayersBucketNotFound
		}

		a, err := getPlayer(bucket, usernameA)
		if err != nil {
			return err
		}

		b, err := getPlayer(bucket, usernameB)
		if err != nil {
			return err
		}

		fn(&a, &b)

		err = putPlayer(bucket, a)
		if err != nil {
			return err
		}

		return putPlayer(bucket, b)
	})
}

func (s *BoltStore) Top(_ context.Context, limit int) ([]Player, error) {
	players := []Player{}

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(common.ScorerPlayersBucket))
		if bucket == nil {
			return ErrPlayersBucketNotFound
		}

		return bucket.ForEach(func(k, v []byte) error {
			var player Player

			err := json.Unmarshal(v, &player)
			if err != nil {
				return fmt.Errorf("failed to decode player %s: %w", k, err)
			}

			players = append(players, player)

			return nil
		})
	})
	if err != nil {
		//nolint:wrapcheck
		return nil, err
	}

	return rank(players, limit), nil
}
