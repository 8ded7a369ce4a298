package results

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"disttest/internal/model"
)

// Memory is an in-process results store with the same contract as PG,
// for tests and the `--store memory` development mode.
type Memory struct {
	abbrevBytes int

	mu          sync.Mutex
	tasks       map[string]*model.Task
	order       []string // task ids in registration order
	dispatched  map[string]bool
}

func NewMemory(abbrevBytes int) *Memory {
	if abbrevBytes <= 0 {
		abbrevBytes = DefaultAbbrevBytes
	}
	return &Memory{
		abbrevBytes: abbrevBytes,
		tasks:       make(map[string]*model.Task),
		dispatched:  make(map[string]bool),
	}
}

func (s *Memory) RegisterTask(ctx context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.TaskID]; ok {
		return fmt.Errorf("register %s: %w", t.TaskID, ErrDuplicateTask)
	}
	cp := *t
	s.tasks[t.TaskID] = &cp
	s.order = append(s.order, t.TaskID)
	return nil
}

func (s *Memory) RecordResult(ctx context.Context, taskID string, status int, stdout, stderr, archiveRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("record result %s: %w", taskID, ErrUnknownTask)
	}
	if t.Status != nil {
		return fmt.Errorf("record result %s: %w", taskID, ErrAlreadyCompleted)
	}

	now := time.Now().UTC()
	st := status
	t.Status = &st
	t.CompleteTime = &now
	t.OutputArchiveRef = archiveRef
	t.StdoutAbbrev = abbreviate(stdout, s.abbrevBytes)
	t.StderrAbbrev = abbreviate(stderr, s.abbrevBytes)
	return nil
}

func (s *Memory) FetchRecentTaskRows(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	tasks := make([]model.Task, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		tasks = append(tasks, *s.tasks[s.order[i]])
	}
	s.mu.Unlock()

	// Order by submit time like the SQL backend; registration order only
	// breaks ties.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].SubmitTime.After(tasks[j].SubmitTime)
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *Memory) FetchTaskRowsForJob(ctx context.Context, jobID string) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []model.Task
	for _, id := range s.order {
		if t := s.tasks[id]; t.JobID == jobID {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}

func (s *Memory) MarkDispatched(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched[taskID] = true
	return nil
}

func (s *Memory) FetchUndispatched(ctx context.Context, olderThan time.Duration) ([]model.Task, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []model.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if !s.dispatched[id] && t.Status == nil && t.SubmitTime.Before(cutoff) {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}
