package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
)

// RecordRepository keeps notification records in process memory. It follows
// the same rules as the redis store and is meant for development and tests.
type RecordRepository struct {
	mu      sync.RWMutex
	records map[string]*model.NotificationRecord
	now     func() time.Time
}

var _ repository.NotificationRecordRepository = (*RecordRepository)(nil)

func NewRecordRepository() *RecordRepository {
	return &RecordRepository{
		records: make(map[string]*model.NotificationRecord),
		now:     time.Now,
	}
}

func (r *RecordRepository) Create(_ context.Context, record *model.NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[record.ID]; ok {
		return fmt.Errorf("notification record %s already exists", record.ID)
	}
	cp := *record
	r.records[record.ID] = &cp
	return nil
}

func (r *RecordRepository) IncrementStats(_ context.Context, id string, sent, failed int) (*model.Stats, error) {
	if sent < 0 || failed < 0 {
		return nil, fmt.Errorf("negative stats increment: sent=%d failed=%d", sent, failed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if sent+failed > rec.Stats.Remaining {
		return nil, repository.ErrStatsOverflow
	}

	rec.Stats.Sent += sent
	rec.Stats.Failed += failed
	rec.Stats.Remaining -= sent + failed
	rec.UpdatedAt = r.now()
	if rec.Stats.Remaining == 0 && rec.Status == model.NotificationStatusProcessing {
		rec.Status = model.NotificationStatusCompleted
	}

	stats := rec.Stats
	return &stats, nil
}

func (r *RecordRepository) MarkFailed(_ context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	if rec.Status != model.NotificationStatusProcessing {
		return nil
	}

	rec.Stats.Failed = rec.Stats.Total - rec.Stats.Sent
	rec.Stats.Remaining = 0
	rec.Status = model.NotificationStatusFailed
	rec.FailureReason = reason
	rec.UpdatedAt = r.now()
	return nil
}

func (r *RecordRepository) Get(_ context.Context, id string) (*model.NotificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
