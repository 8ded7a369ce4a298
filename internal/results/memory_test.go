package results

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"disttest/internal/model"
)

func TestRegisterThenRecord(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	task := model.New("job1", "b1", "shard 0")
	if err := s.RegisterTask(ctx, task); err != nil {
		t.Fatalf("register: %v", err)
	}

	rows, err := s.FetchTaskRowsForJob(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Status != nil {
		t.Fatalf("expected one pending row, got %+v", rows)
	}

	if err := s.RecordResult(ctx, task.TaskID, 0, "out", "err", "archive-1"); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, _ = s.FetchTaskRowsForJob(ctx, "job1")
	got := rows[0]
	if got.Status == nil || *got.Status != 0 {
		t.Errorf("expected status 0, got %v", got.Status)
	}
	if got.CompleteTime == nil || got.CompleteTime.Before(got.SubmitTime) {
		t.Errorf("complete time %v precedes submit time %v", got.CompleteTime, got.SubmitTime)
	}
	if got.OutputArchiveRef != "archive-1" || got.StdoutAbbrev != "out" || got.StderrAbbrev != "err" {
		t.Errorf("unexpected result fields: %+v", got)
	}
}

func TestRegisterDuplicateTaskID(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	task := model.New("job1", "b1", "original")
	if err := s.RegisterTask(ctx, task); err != nil {
		t.Fatalf("register: %v", err)
	}

	dup := *task
	dup.Description = "impostor"
	if err := s.RegisterTask(ctx, &dup); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}

	rows, _ := s.FetchTaskRowsForJob(ctx, "job1")
	if len(rows) != 1 || rows[0].Description != "original" {
		t.Errorf("store no longer reflects the first registration: %+v", rows)
	}
}

func TestRecordResultUnknownTask(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	err := s.RecordResult(ctx, "never-registered", 0, "", "", "")
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	rows, _ := s.FetchRecentTaskRows(ctx, 10)
	if len(rows) != 0 {
		t.Errorf("record for unknown task created a row: %+v", rows)
	}
}

func TestRecordResultFirstWriteWins(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	task := model.New("job1", "b1", "")
	if err := s.RegisterTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordResult(ctx, task.TaskID, 0, "first out", "", "archive-first"); err != nil {
		t.Fatal(err)
	}

	err := s.RecordResult(ctx, task.TaskID, 1, "second out", "", "archive-second")
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}

	rows, _ := s.FetchTaskRowsForJob(ctx, "job1")
	got := rows[0]
	if *got.Status != 0 || got.StdoutAbbrev != "first out" || got.OutputArchiveRef != "archive-first" {
		t.Errorf("first terminal write was not preserved: %+v", got)
	}
}

func TestRecordResultConcurrentDuplicates(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	task := model.New("job1", "b1", "")
	if err := s.RegisterTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	const writers = 16
	var wg sync.WaitGroup
	wins := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(code int) {
			defer wg.Done()
			if err := s.RecordResult(ctx, task.TaskID, code, "", "", ""); err == nil {
				wins <- code
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for code := range wins {
		winners = append(winners, code)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning writer, got %d", len(winners))
	}

	rows, _ := s.FetchTaskRowsForJob(ctx, "job1")
	if *rows[0].Status != winners[0] {
		t.Errorf("stored status %d does not match winner %d", *rows[0].Status, winners[0])
	}
}

func TestAbbreviationKeepsTail(t *testing.T) {
	s := NewMemory(16)
	ctx := context.Background()

	task := model.New("job1", "b1", "")
	if err := s.RegisterTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	long := strings.Repeat("x", 100) + "tail-marker"
	if err := s.RecordResult(ctx, task.TaskID, 0, long, long, "a"); err != nil {
		t.Fatal(err)
	}

	rows, _ := s.FetchTaskRowsForJob(ctx, "job1")
	got := rows[0]
	if len(got.StdoutAbbrev) != 16 {
		t.Errorf("expected 16-byte abbreviation, got %d bytes", len(got.StdoutAbbrev))
	}
	if !strings.HasSuffix(got.StdoutAbbrev, "tail-marker") {
		t.Errorf("abbreviation should keep the tail, got %q", got.StdoutAbbrev)
	}
}

func TestFetchRecentTaskRowsNewestFirst(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		task := model.New("job1", "b", "")
		task.SubmitTime = time.Now().Add(time.Duration(i) * time.Second)
		if err := s.RegisterTask(ctx, task); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.TaskID)
	}

	rows, err := s.FetchRecentTaskRows(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i := 0; i < 3; i++ {
		want := ids[len(ids)-1-i]
		if rows[i].TaskID != want {
			t.Errorf("row %d: expected %s, got %s", i, want, rows[i].TaskID)
		}
	}
}

func TestFetchRecentTaskRowsOrderedBySubmitTime(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	// Registration order disagrees with submit time; recency must follow
	// submit time, as the SQL backend orders it.
	base := time.Now()
	offsets := []time.Duration{3 * time.Second, time.Second, 4 * time.Second, 2 * time.Second}
	byTime := make(map[time.Duration]string)
	for _, off := range offsets {
		task := model.New("job1", "b", "")
		task.SubmitTime = base.Add(off)
		if err := s.RegisterTask(ctx, task); err != nil {
			t.Fatal(err)
		}
		byTime[off] = task.TaskID
	}

	rows, err := s.FetchRecentTaskRows(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{byTime[4*time.Second], byTime[3*time.Second], byTime[2*time.Second], byTime[time.Second]}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, id := range want {
		if rows[i].TaskID != id {
			t.Errorf("row %d: expected %s, got %s", i, id, rows[i].TaskID)
		}
	}
}

func TestFetchUndispatched(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	stale := model.New("job1", "b1", "")
	stale.SubmitTime = time.Now().Add(-time.Hour)
	fresh := model.New("job1", "b2", "")
	queued := model.New("job1", "b3", "")
	queued.SubmitTime = time.Now().Add(-time.Hour)

	for _, task := range []*model.Task{stale, fresh, queued} {
		if err := s.RegisterTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkDispatched(ctx, queued.TaskID); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.FetchUndispatched(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != stale.TaskID {
		t.Errorf("expected only the stale undispatched task, got %+v", tasks)
	}
}

func TestOutputLink(t *testing.T) {
	task := model.New("job1", "b1", "")
	if link := OutputLink("http://results.example.com", task, StreamStdout); link != "" {
		t.Errorf("expected no link before completion, got %q", link)
	}

	task.OutputArchiveRef = "deadbeef"
	tests := map[string]struct {
		stream string
		want   string
	}{
		"stdout":  {StreamStdout, "http://results.example.com/deadbeef/stdout"},
		"stderr":  {StreamStderr, "http://results.example.com/deadbeef/stderr"},
		"unknown": {"core", ""},
	}
	for name, tt := range tests {
		if got := OutputLink("http://results.example.com/", task, tt.stream); got != tt.want {
			t.Errorf("%s: expected %q, got %q", name, tt.want, got)
		}
	}
}
