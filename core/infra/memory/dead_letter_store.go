package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cordum/reqflow/core/infra/redisutil"
	"github.com/cordum/reqflow/core/request"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	deadLetterEntryPrefix = "{deadletter}:entry:"
	deadLetterIndexKey    = "{deadletter}:index"
	deadLetterKeep        = 1000
	deadLetterTTL         = 30 * 24 * time.Hour
)

// ErrDeadLetterNotFound is returned for unknown dead-letter ids.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetterStore parks outcomes the reconciler could not apply. Only the
// most recent entries are kept.
type DeadLetterStore struct {
	client redis.UniversalClient
}

func NewDeadLetterStore(url string) (*DeadLetterStore, error) {
	client, err := redisutil.Connect(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return &DeadLetterStore{client: client}, nil
}

// NewDeadLetterStoreWithClient shares an existing client.
func NewDeadLetterStoreWithClient(client redis.UniversalClient) *DeadLetterStore {
	return &DeadLetterStore{client: client}
}

func (s *DeadLetterStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Park stores entry and trims the index to the newest entries.
func (s *DeadLetterStore) Park(ctx context.Context, entry request.DeadLetter) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, deadLetterEntryPrefix+entry.ID, data, deadLetterTTL)
	pipe.ZAdd(ctx, deadLetterIndexKey, redis.Z{Score: float64(entry.CreatedAt.UnixMilli()), Member: entry.ID})
	pipe.ZRemRangeByRank(ctx, deadLetterIndexKey, 0, -deadLetterKeep-1)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns up to limit entries created before cursor, newest first. A
// zero cursor starts from now.
func (s *DeadLetterStore) List(ctx context.Context, cursor time.Time, limit int64) ([]request.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	if cursor.IsZero() {
		cursor = time.Now().UTC()
	}
	ids, err := s.client.ZRevRangeByScore(ctx, deadLetterIndexKey, &redis.ZRangeBy{
		Max:   strconv.FormatInt(cursor.UnixMilli(), 10),
		Min:   "-inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]request.DeadLetter, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, deadLetterEntryPrefix+id)
	}
	_, _ = pipe.Exec(ctx)

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var entry request.DeadLetter
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*request.DeadLetter, error) {
	data, err := s.client.Get(ctx, deadLetterEntryPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry request.DeadLetter
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return &entry, nil
}

// Delete removes an entry; deleting an unknown id is not an error.
func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("dead letter id required")
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, deadLetterEntryPrefix+id)
	pipe.ZRem(ctx, deadLetterIndexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}
