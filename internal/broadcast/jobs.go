package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/iago/wa-lead-router/internal/domain"
)

var ErrJobNotFound = errors.New("broadcast job not found")

// JobStore holds broadcast job state between ticks.
type JobStore interface {
	Save(ctx context.Context, job *domain.BroadcastJob) error
	Get(ctx context.Context, jobID string) (*domain.BroadcastJob, error)
	Latest(ctx context.Context) (*domain.BroadcastJob, error)
}

// MemoryJobStore keeps only the most recent job.
type MemoryJobStore struct {
	mu  sync.Mutex
	job *domain.BroadcastJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{}
}

func (s *MemoryJobStore) Save(_ context.Context, job *domain.BroadcastJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = job.Clone()
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (*domain.BroadcastJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || s.job.ID != jobID {
		return nil, ErrJobNotFound
	}
	return s.job.Clone(), nil
}

func (s *MemoryJobStore) Latest(_ context.Context) (*domain.BroadcastJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return nil, ErrJobNotFound
	}
	return s.job.Clone(), nil
}

const (
	redisJobPrefix    = "wa-lead-router:broadcast:job:"
	redisMediaSuffix  = ":media"
	redisLatestJobKey = "wa-lead-router:broadcast:latest"
	redisJobTTL       = 7 * 24 * time.Hour
)

// RedisJobStore keeps job snapshots in Redis so status survives restarts and
// is visible from every instance. Media bytes live under their own key and are
// written once per job; per-tick saves carry only counters and the queue.
type RedisJobStore struct {
	client *redis.Client

	mu         sync.Mutex
	mediaSaved map[string]struct{}
}

func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client, mediaSaved: make(map[string]struct{})}
}

func (s *RedisJobStore) Save(ctx context.Context, job *domain.BroadcastJob) error {
	payload, err := encodeJobState(job)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, mediaSaved := s.mediaSaved[job.ID]
	s.mu.Unlock()

	mediaKey := redisJobPrefix + job.ID + redisMediaSuffix
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisJobPrefix+job.ID, payload, redisJobTTL)
	pipe.Set(ctx, redisLatestJobKey, job.ID, redisJobTTL)
	if job.Media != nil {
		if mediaSaved {
			pipe.Expire(ctx, mediaKey, redisJobTTL)
		} else {
			pipe.Set(ctx, mediaKey, job.Media.Data, redisJobTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "save broadcast job")
	}

	if job.Media != nil && !mediaSaved {
		s.mu.Lock()
		s.mediaSaved[job.ID] = struct{}{}
		s.mu.Unlock()
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*domain.BroadcastJob, error) {
	payload, err := s.client.Get(ctx, redisJobPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load broadcast job")
	}
	job, err := decodeJobState(payload)
	if err != nil {
		return nil, err
	}
	if job.Media == nil {
		return job, nil
	}

	data, err := s.client.Get(ctx, redisJobPrefix+jobID+redisMediaSuffix).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrJobNotFound, "media of job %s expired", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load broadcast media")
	}
	job.Media.Data = data
	return job, nil
}

func (s *RedisJobStore) Latest(ctx context.Context) (*domain.BroadcastJob, error) {
	jobID, err := s.client.Get(ctx, redisLatestJobKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load latest broadcast job")
	}
	return s.Get(ctx, jobID)
}

// encodeJobState marshals job without its media bytes.
func encodeJobState(job *domain.BroadcastJob) ([]byte, error) {
	state := *job
	if job.Media != nil {
		media := *job.Media
		media.Data = nil
		state.Media = &media
	}
	payload, err := json.Marshal(&state)
	if err != nil {
		return nil, errors.Wrap(err, "marshal broadcast job")
	}
	return payload, nil
}

func decodeJobState(payload []byte) (*domain.BroadcastJob, error) {
	var job domain.BroadcastJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, errors.Wrap(err, "decode broadcast job")
	}
	return &job, nil
}
