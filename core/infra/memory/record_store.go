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
	"github.com/redis/go-redis/v9"
)

const recordKeyPrefix = "req:record:"

// RedisRecordStore implements request.RecordStore with one JSON value per
// record keyed by tenant and id.
type RedisRecordStore struct {
	client redis.UniversalClient
}

func NewRedisRecordStore(url string) (*RedisRecordStore, error) {
	client, err := redisutil.Connect(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return &RedisRecordStore{client: client}, nil
}

// NewRedisRecordStoreWithClient shares an existing client.
func NewRedisRecordStoreWithClient(client redis.UniversalClient) *RedisRecordStore {
	return &RedisRecordStore{client: client}
}

func (s *RedisRecordStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Create stores a new record; it fails if the (id, tenant) pair exists.
func (s *RedisRecordStore) Create(ctx context.Context, rec *request.Record) error {
	if rec == nil || rec.ID == "" || rec.TenantID == "" {
		return fmt.Errorf("record id and tenant required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, recordKey(rec.TenantID, rec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("record %s already exists for tenant %s", rec.ID, rec.TenantID)
	}
	return nil
}

func (s *RedisRecordStore) FindByIDAndTenant(ctx context.Context, id, tenantID string) (*request.Record, error) {
	data, err := s.client.Get(ctx, recordKey(tenantID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, request.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec request.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// UpdateStatusAndResponse rewrites status, response and updatedAt under
// WATCH so concurrent writers do not lose fields.
func (s *RedisRecordStore) UpdateStatusAndResponse(ctx context.Context, id, tenantID string, status request.RecordStatus, response json.RawMessage, updatedAt time.Time) error {
	key := recordKey(tenantID, id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return request.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec request.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		rec.Status = status
		rec.Response = response
		rec.UpdatedAt = updatedAt
		encoded, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}, key)
}

func recordKey(tenantID, id string) string {
	return recordKeyPrefix + strconv.Itoa(len(tenantID)) + ":" + tenantID + ":" + id
}
