package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
)

const keyPrefix = "notification:"

// incrementScript applies one batch of outcomes. It fails instead of letting
// remaining go negative and flips a processing record to completed when the
// last recipient is accounted for.
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOT_FOUND')
end
local sent = tonumber(ARGV[1])
local failed = tonumber(ARGV[2])
local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining'))
if sent + failed > remaining then
	return redis.error_reply('OVERFLOW')
end
redis.call('HINCRBY', KEYS[1], 'sent', sent)
redis.call('HINCRBY', KEYS[1], 'failed', failed)
remaining = redis.call('HINCRBY', KEYS[1], 'remaining', -(sent + failed))
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
if remaining == 0 and redis.call('HGET', KEYS[1], 'status') == 'processing' then
	redis.call('HSET', KEYS[1], 'status', 'completed')
end
return redis.call('HMGET', KEYS[1], 'total', 'sent', 'failed', 'remaining')
`)

// markFailedScript closes a processing record that will never be dispatched.
// Terminal records are left untouched.
var markFailedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOT_FOUND')
end
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
	return 0
end
local total = tonumber(redis.call('HGET', KEYS[1], 'total'))
local sent = tonumber(redis.call('HGET', KEYS[1], 'sent'))
redis.call('HSET', KEYS[1],
	'failed', total - sent,
	'remaining', 0,
	'status', 'failed',
	'failure_reason', ARGV[1],
	'updated_at', ARGV[2])
return 1
`)

type recordRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRecordRepository stores records as hashes under notification:<id>.
// A positive ttl expires records after creation.
func NewRecordRepository(client redis.UniversalClient, ttl time.Duration) repository.NotificationRecordRepository {
	return &recordRepository{client: client, ttl: ttl, now: time.Now}
}

func key(id string) string {
	return keyPrefix + id
}

func (r *recordRepository) Create(ctx context.Context, record *model.NotificationRecord) error {
	fields := map[string]interface{}{
		"id":                record.ID,
		"title":             record.Title,
		"body":              record.Body,
		"recipient_summary": record.RecipientSummary,
		"created_at":        record.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":        record.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"total":             record.Stats.Total,
		"sent":              record.Stats.Sent,
		"failed":            record.Stats.Failed,
		"remaining":         record.Stats.Remaining,
		"status":            string(record.Status),
		"failure_reason":    record.FailureReason,
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(record.ID), fields)
		if r.ttl > 0 {
			pipe.Expire(ctx, key(record.ID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create notification record: %w", err)
	}
	return nil
}

func (r *recordRepository) IncrementStats(ctx context.Context, id string, sent, failed int) (*model.Stats, error) {
	if sent < 0 || failed < 0 {
		return nil, fmt.Errorf("negative stats increment: sent=%d failed=%d", sent, failed)
	}

	now := r.now().UTC().Format(time.RFC3339Nano)
	res, err := incrementScript.Run(ctx, r.client, []string{key(id)}, sent, failed, now).Slice()
	if err != nil {
		return nil, scriptError("increment stats", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected increment reply: %v", res)
	}

	values := make([]int, 4)
	for i, v := range res {
		s, _ := v.(string)
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid counter in increment reply: %w", err)
		}
		values[i] = n
	}
	return &model.Stats{Total: values[0], Sent: values[1], Failed: values[2], Remaining: values[3]}, nil
}

func (r *recordRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	now := r.now().UTC().Format(time.RFC3339Nano)
	if err := markFailedScript.Run(ctx, r.client, []string{key(id)}, reason, now).Err(); err != nil {
		return scriptError("mark failed", err)
	}
	return nil
}

func (r *recordRepository) Get(ctx context.Context, id string) (*model.NotificationRecord, error) {
	fields, err := r.client.HGetAll(ctx, key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get notification record: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}
	return decodeRecord(fields)
}

func scriptError(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOT_FOUND"):
		return repository.ErrNotFound
	case strings.Contains(msg, "OVERFLOW"):
		return repository.ErrStatsOverflow
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func decodeRecord(fields map[string]string) (*model.NotificationRecord, error) {
	record := &model.NotificationRecord{
		ID:               fields["id"],
		Title:            fields["title"],
		Body:             fields["body"],
		RecipientSummary: fields["recipient_summary"],
		Status:           model.NotificationStatus(fields["status"]),
		FailureReason:    fields["failure_reason"],
	}

	var errs []error
	atoi := func(name string) int {
		n, err := strconv.Atoi(fields[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", name, err))
		}
		return n
	}
	parseTime := func(name string) time.Time {
		t, err := time.Parse(time.RFC3339Nano, fields[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", name, err))
		}
		return t
	}

	record.Stats = model.Stats{
		Total:     atoi("total"),
		Sent:      atoi("sent"),
		Failed:    atoi("failed"),
		Remaining: atoi("remaining"),
	}
	record.CreatedAt = parseTime("created_at")
	record.UpdatedAt = parseTime("updated_at")

	if len(errs) > 0 {
		return nil, fmt.Errorf("corrupt notification record %s: %w", record.ID, errors.Join(errs...))
	}
	return record, nil
}
