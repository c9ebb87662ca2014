package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/taskq/internal/domain"
)

// Redis keeps each result in a hash at "<prefix><task id>".
type Redis struct {
	rdb    *r.Client
	prefix string
	now    func() time.Time
}

func NewRedis(rdb *r.Client) *Redis {
	return &Redis{rdb: rdb, prefix: "job_result:", now: time.Now}
}

func (s *Redis) Save(ctx context.Context, taskID string, status domain.Status, result any) error {
	raw, err := prepare(taskID, status, result)
	if err != nil {
		return err
	}
	key := s.prefix + taskID
	now := s.now().UTC().Format(time.RFC3339Nano)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "task_id", taskID, "status", string(status), "result", string(raw), "updated_at", now)
	pipe.HSetNX(ctx, key, "created_at", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "save result %s", taskID)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, taskID string) (*domain.JobResult, error) {
	h, err := s.rdb.HGetAll(ctx, s.prefix+taskID).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get result %s", taskID)
	}
	if len(h) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "task %s", taskID)
	}

	res := &domain.JobResult{TaskID: h["task_id"], Status: domain.Status(h["status"])}
	if h["result"] != "" {
		res.Result = []byte(h["result"])
	}
	if res.CreatedAt, err = time.Parse(time.RFC3339Nano, h["created_at"]); err != nil {
		return nil, errors.Wrapf(err, "parse created_at for %s", taskID)
	}
	if res.UpdatedAt, err = time.Parse(time.RFC3339Nano, h["updated_at"]); err != nil {
		return nil, errors.Wrapf(err, "parse updated_at for %s", taskID)
	}
	return res, nil
}
