package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cordum/reqflow/core/controlplane/scheduler"
	"github.com/cordum/reqflow/core/infra/redisutil"
	"github.com/cordum/reqflow/core/request"
	"github.com/redis/go-redis/v9"
)

// All scheduler keys share the {sched} hash tag so multi-key scripts stay
// on one slot in cluster mode.
const (
	schedJobKeyPrefix    = "{sched}:job:"
	schedDueKey          = "{sched}:due"
	schedFailedKey       = "{sched}:failed"
	schedReqKeyPrefix    = "{sched}:req:"
	schedTenantKeyPrefix = "{sched}:tenant:"

	fieldRequestID  = "request_id"
	fieldTenantID   = "tenant_id"
	fieldIntent     = "intent"
	fieldDueAt      = "due_at"
	fieldLockedAt   = "locked_at"
	fieldLastRunAt  = "last_run_at"
	fieldFailedAt   = "failed_at"
	fieldFailReason = "fail_reason"
	fieldCreatedAt  = "created_at"
)

// RedisScheduledJobStore implements scheduler.JobStore backed by Redis.
// Times are stored as unix milliseconds.
type RedisScheduledJobStore struct {
	client redis.UniversalClient
}

// NewRedisScheduledJobStore connects using a redis:// URL.
func NewRedisScheduledJobStore(url string) (*RedisScheduledJobStore, error) {
	client, err := redisutil.Connect(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return &RedisScheduledJobStore{client: client}, nil
}

// NewRedisScheduledJobStoreWithClient shares an existing client.
func NewRedisScheduledJobStoreWithClient(client redis.UniversalClient) *RedisScheduledJobStore {
	return &RedisScheduledJobStore{client: client}
}

func (s *RedisScheduledJobStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisScheduledJobStore) Create(ctx context.Context, job *scheduler.Job) error {
	if job == nil || job.ID == "" || job.TenantID == "" || job.RequestID == "" {
		return fmt.Errorf("job id, request id and tenant required")
	}
	intent, err := json.Marshal(job.Intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	fields := map[string]any{
		fieldRequestID: job.RequestID,
		fieldTenantID:  job.TenantID,
		fieldIntent:    string(intent),
		fieldDueAt:     job.DueAt.UnixMilli(),
		fieldCreatedAt: created.UnixMilli(),
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, schedJobKey(job.ID), fields)
	pipe.ZAdd(ctx, schedDueKey, redis.Z{Score: float64(job.DueAt.UnixMilli()), Member: job.ID})
	pipe.SAdd(ctx, schedReqKey(job.TenantID, job.RequestID), job.ID)
	pipe.SAdd(ctx, schedTenantKey(job.TenantID), job.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisScheduledJobStore) Get(ctx context.Context, id string) (*scheduler.Job, error) {
	fields, err := s.client.HGetAll(ctx, schedJobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, scheduler.ErrJobNotFound
	}
	return decodeJob(id, fields)
}

// ListDue walks the due index in score order, skipping locked jobs, until
// limit claimable jobs are found or the due range is exhausted. Locked jobs
// stay in the index, so a page of them must not hide later due jobs.
func (s *RedisScheduledJobStore) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*scheduler.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	upper := strconv.FormatInt(now.UnixMilli(), 10)
	var out []*scheduler.Job
	for offset := int64(0); len(out) < limit; {
		ids, err := s.client.ZRangeByScore(ctx, schedDueKey, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    upper,
			Offset: offset,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return nil, err
		}
		jobs, err := s.loadJobs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if job.Failed() || job.Locked(staleBefore) {
				continue
			}
			out = append(out, job)
			if len(out) == limit {
				break
			}
		}
		if len(ids) < limit {
			break
		}
		offset += int64(len(ids))
	}
	return out, nil
}

func (s *RedisScheduledJobStore) Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res, err := s.client.Eval(ctx, claimScript, []string{schedJobKey(id)},
		now.UnixMilli(),
		staleBefore.UnixMilli(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisScheduledJobStore) Remove(ctx context.Context, id string) error {
	key := schedJobKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldRequestID, fieldTenantID).Result()
		if err != nil {
			return err
		}
		reqID, _ := vals[0].(string)
		tenant, _ := vals[1].(string)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, schedDueKey, id)
			pipe.ZRem(ctx, schedFailedKey, id)
			if reqID != "" && tenant != "" {
				pipe.SRem(ctx, schedReqKey(tenant, reqID), id)
				pipe.SRem(ctx, schedTenantKey(tenant), id)
			}
			return nil
		})
		return err
	}, key)
}

func (s *RedisScheduledJobStore) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	key := schedJobKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return scheduler.ErrJobNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldFailedAt, at.UnixMilli(), fieldFailReason, reason)
			pipe.HDel(ctx, key, fieldLockedAt)
			pipe.ZRem(ctx, schedDueKey, id)
			pipe.ZAdd(ctx, schedFailedKey, redis.Z{Score: float64(at.UnixMilli()), Member: id})
			return nil
		})
		return err
	}, key)
}

func (s *RedisScheduledJobStore) CancelByRequest(ctx context.Context, requestID, tenantID string, staleBefore time.Time) (int, error) {
	if requestID == "" || tenantID == "" {
		return 0, fmt.Errorf("request id and tenant required")
	}
	return s.client.Eval(ctx, cancelScript,
		[]string{schedReqKey(tenantID, requestID), schedDueKey, schedFailedKey, schedTenantKey(tenantID)},
		staleBefore.UnixMilli(),
		schedJobKeyPrefix,
	).Int()
}

func (s *RedisScheduledJobStore) ListByTenant(ctx context.Context, tenantID string) ([]*scheduler.Job, error) {
	ids, err := s.client.SMembers(ctx, schedTenantKey(tenantID)).Result()
	if err != nil {
		return nil, err
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].DueAt.Before(jobs[j].DueAt) })
	return jobs, nil
}

// loadJobs fetches hashes in one round trip, skipping ids whose hash is gone.
func (s *RedisScheduledJobStore) loadJobs(ctx context.Context, ids []string) ([]*scheduler.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, schedJobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	jobs := make([]*scheduler.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		job, err := decodeJob(ids[i], fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob(id string, fields map[string]string) (*scheduler.Job, error) {
	var intent request.Intent
	if err := json.Unmarshal([]byte(fields[fieldIntent]), &intent); err != nil {
		return nil, fmt.Errorf("decode job %s intent: %w", id, err)
	}
	job := &scheduler.Job{
		ID:         id,
		RequestID:  fields[fieldRequestID],
		TenantID:   fields[fieldTenantID],
		Intent:     intent,
		FailReason: fields[fieldFailReason],
	}
	if t := parseMillis(fields[fieldDueAt]); t != nil {
		job.DueAt = *t
	}
	if t := parseMillis(fields[fieldCreatedAt]); t != nil {
		job.CreatedAt = *t
	}
	job.LockedAt = parseMillis(fields[fieldLockedAt])
	job.LastRunAt = parseMillis(fields[fieldLastRunAt])
	job.FailedAt = parseMillis(fields[fieldFailedAt])
	return job, nil
}

func parseMillis(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func schedJobKey(id string) string {
	return schedJobKeyPrefix + id
}

// Length-prefixed so tenant and request ids containing ':' cannot collide.
func schedReqKey(tenantID, requestID string) string {
	return schedReqKeyPrefix + strconv.Itoa(len(tenantID)) + ":" + tenantID + ":" + requestID
}

func schedTenantKey(tenantID string) string {
	return schedTenantKeyPrefix + tenantID
}

const claimScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local stale = tonumber(ARGV[2])
if redis.call("EXISTS", key) == 0 then
  return 0
end
if redis.call("HEXISTS", key, "failed_at") == 1 then
  return 0
end
local due = tonumber(redis.call("HGET", key, "due_at"))
if not due or due > now then
  return 0
end
local locked = redis.call("HGET", key, "locked_at")
if locked and tonumber(locked) > stale then
  return 0
end
redis.call("HSET", key, "locked_at", ARGV[1], "last_run_at", ARGV[1])
return 1
`

const cancelScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local stale = tonumber(ARGV[1])
local removed = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  local locked = redis.call("HGET", key, "locked_at")
  if not locked or tonumber(locked) <= stale then
    redis.call("DEL", key)
    redis.call("ZREM", KEYS[2], id)
    redis.call("ZREM", KEYS[3], id)
    redis.call("SREM", KEYS[1], id)
    redis.call("SREM", KEYS[4], id)
    removed = removed + 1
  end
end
return removed
`
