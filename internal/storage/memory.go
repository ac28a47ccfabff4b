package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"spikecore/internal/model"
)

var ErrNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	models      map[string]model.ModelRecord
	runs        map[string]model.RunRecord
	series      map[string][]model.ProbeSeries
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.models = make(map[string]model.ModelRecord)
	s.runs = make(map[string]model.RunRecord)
	s.series = make(map[string][]model.ProbeSeries)
	return nil
}

func (s *MemoryStore) SaveModel(_ context.Context, record model.ModelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}

	record.Warnings = append([]string(nil), record.Warnings...)
	s.models[record.ID] = record
	return nil
}

func (s *MemoryStore) GetModel(_ context.Context, id string) (model.ModelRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.models[id]
	if ok {
		record.Warnings = append([]string(nil), record.Warnings...)
	}
	return record, ok, nil
}

func (s *MemoryStore) ListModels(_ context.Context) ([]model.ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ModelRecord, 0, len(s.models))
	for _, record := range s.models {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtUTC == out[j].CreatedAtUTC {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAtUTC > out[j].CreatedAtUTC
	})
	return out, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, record model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}

	s.runs[record.ID] = record
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.runs[id]
	return record, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, record := range s.runs {
		out = append(out, record)
	}
	sortRuns(out)
	return out, nil
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
}

func (s *MemoryStore) SaveProbeSeries(_ context.Context, runID string, series []model.ProbeSeries) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}

	s.series[runID] = copySeries(series)
	return nil
}

func (s *MemoryStore) GetProbeSeries(_ context.Context, runID string) ([]model.ProbeSeries, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.series[runID]
	if !ok {
		return nil, false, nil
	}
	return copySeries(series), true, nil
}

func copySeries(series []model.ProbeSeries) []model.ProbeSeries {
	copied := make([]model.ProbeSeries, 0, len(series))
	for _, ps := range series {
		c := model.ProbeSeries{Probe: ps.Probe, Ticks: append([]int64(nil), ps.Ticks...)}
		if ps.Raw != nil {
			c.Raw = make([][]int32, len(ps.Raw))
			for i, r := range ps.Raw {
				c.Raw[i] = append([]int32(nil), r...)
			}
		}
		c.Values = make([][]float64, len(ps.Values))
		for i, v := range ps.Values {
			c.Values[i] = append([]float64(nil), v...)
		}
		copied = append(copied, c)
	}
	return copied
}
