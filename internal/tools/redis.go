package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abjerry97/go_hostel/api"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const reconcileQueue = "reconcile_queue"

type RedisService struct {
	Client *redis.Client
}

func NewRedisService(redisURL string) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	opts.PoolSize = 100
	opts.MinIdleConns = 20
	opts.MaxRetries = 3

	Client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Println("Redis connected successfully")
	return &RedisService{Client: Client}, nil
}

func (r *RedisService) Close() error {
	return r.Client.Close()
}

func (r *RedisService) EnqueueReconcile(ctx context.Context, job *api.ReconcileJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return r.Client.RPush(ctx, reconcileQueue, data).Err()
}

// DequeueReconcile blocks up to timeout. It returns redis.Nil when the queue
// stayed empty.
func (r *RedisService) DequeueReconcile(ctx context.Context, timeout time.Duration) (*api.ReconcileJob, error) {
	result, err := r.Client.BLPop(ctx, timeout, reconcileQueue).Result()
	if err != nil {
		return nil, err
	}

	if len(result) < 2 {
		return nil, nil
	}

	var job api.ReconcileJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, err
	}

	return &job, nil
}

func (r *RedisService) QueueSize(ctx context.Context) (int64, error) {
	return r.Client.LLen(ctx, reconcileQueue).Result()
}

func attemptKey(studentID, month, category string) string {
	return fmt.Sprintf("attempt:%s:%s:%s", studentID, month, category)
}

// AcquireAttemptLock keeps two attempts for the same student, month and
// category from running at once across instances.
func (r *RedisService) AcquireAttemptLock(ctx context.Context, studentID, month, category string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, attemptKey(studentID, month, category), "1", ttl).Result()
}

func (r *RedisService) ReleaseAttemptLock(ctx context.Context, studentID, month, category string) error {
	return r.Client.Del(ctx, attemptKey(studentID, month, category)).Err()
}

// ReserveReference claims a reference number; false means it was taken.
func (r *RedisService) ReserveReference(ctx context.Context, reference string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, "ref:"+reference, "1", ttl).Result()
}

func (r *RedisService) CacheCallbackStatus(ctx context.Context, status *api.TransactionStatus, ttl time.Duration) error {
	if status.CheckoutRequestID == "" {
		return errors.New("callback status has no checkout request id")
	}

	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return r.Client.SetEX(ctx, "checkout:"+status.CheckoutRequestID, data, ttl).Err()
}

// GetCallbackStatus returns the status the provider pushed for a checkout, or
// nil when no callback has arrived.
func (r *RedisService) GetCallbackStatus(ctx context.Context, checkoutRequestID string) (*api.TransactionStatus, error) {
	result, err := r.Client.Get(ctx, "checkout:"+checkoutRequestID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status api.TransactionStatus
	if err := json.Unmarshal([]byte(result), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (r *RedisService) RequestAbandon(ctx context.Context, paymentID string, ttl time.Duration) error {
	return r.Client.SetEX(ctx, "abandon:"+paymentID, "1", ttl).Err()
}

func (r *RedisService) IsAbandonRequested(ctx context.Context, paymentID string) (bool, error) {
	exists, err := r.Client.Exists(ctx, "abandon:"+paymentID).Result()
	return exists > 0, err
}
