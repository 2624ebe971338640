package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/model"
)

const redisIndexKey = "jobs:index"

// RedisStore keeps each record under job:<id> with a TTL and tracks ids in
// a set for listing.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func (s *RedisStore) Put(ctx context.Context, job model.Job) error {
	if err := ValidateID(job.ID); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrapf(err, "encode job %s", job.ID)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, s.ttl)
	pipe.SAdd(ctx, redisIndexKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "save job %s", job.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (model.Job, error) {
	if err := ValidateID(id); err != nil {
		return model.Job{}, err
	}
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, errors.Wrapf(err, "get job %s", id)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return model.Job{}, errors.Wrapf(err, "decode job %s", id)
	}
	return job, nil
}

// List returns the live records; ids whose key already expired are pruned
// from the index set.
func (s *RedisStore) List(ctx context.Context) ([]model.Job, error) {
	ids, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list job ids")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}

	jobs := make([]model.Job, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.logger.Warn("skipping undecodable job record", zap.String("job_id", ids[i]), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	if len(expired) > 0 {
		if err := s.client.SRem(ctx, redisIndexKey, expired...).Err(); err != nil {
			s.logger.Warn("failed to prune expired job ids", zap.Error(err))
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt.Time)
	})
	return jobs, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.SRem(ctx, redisIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	return nil
}
