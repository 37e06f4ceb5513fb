package memory

import (
	"context"
	"sync"

	"e2e_messenger/internal/model"
)

type CallRecordRepo struct {
	mu      sync.Mutex
	records []model.CallRecord
}

func NewCallRecordRepo() *CallRecordRepo {
	return &CallRecordRepo{}
}

func (r *CallRecordRepo) SaveCallRecord(_ context.Context, rec model.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *CallRecordRepo) List(context.Context) ([]model.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CallRecord(nil), r.records...), nil
}
