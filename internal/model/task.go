package model

import (
	"time"

	"github.com/google/uuid"
)

// Task is one unit of distributable work. The results store owns the
// durable record; the queue only ever sees TaskID and BundleRef.
type Task struct {
	TaskID      string `json:"task_id"`
	JobID       string `json:"job_id"`
	BundleRef   string `json:"bundle_reference"`
	Description string `json:"description"`

	// Status is nil until the task finishes, then the exit code.
	// Once non-nil it never changes again.
	Status *int `json:"status"`

	SubmitTime   time.Time  `json:"submit_timestamp"`
	CompleteTime *time.Time `json:"complete_timestamp"`

	OutputArchiveRef string `json:"output_archive_reference,omitempty"`
	StdoutAbbrev     string `json:"stdout_abbrev,omitempty"`
	StderrAbbrev     string `json:"stderr_abbrev,omitempty"`
}

// New allocates a fresh task for jobID. The caller is responsible for
// persisting and enqueueing it.
func New(jobID, bundleRef, description string) *Task {
	return &Task{
		TaskID:      uuid.NewString(),
		JobID:       jobID,
		BundleRef:   bundleRef,
		Description: description,
		SubmitTime:  time.Now().UTC(),
	}
}

// Finished reports whether a terminal result has been recorded.
func (t *Task) Finished() bool {
	return t.Status != nil
}

// Succeeded reports whether the task finished with exit code zero.
func (t *Task) Succeeded() bool {
	return t.Status != nil && *t.Status == 0
}

// JobSummary is derived per job by scanning its tasks; it is never stored.
type JobSummary struct {
	TotalTasks     int `json:"total_tasks"`
	FinishedTasks  int `json:"finished_tasks"`
	SucceededTasks int `json:"succeeded_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}

// Summarize computes the job-level rollup for any completion order.
func Summarize(tasks []Task) JobSummary {
	var s JobSummary
	s.TotalTasks = len(tasks)
	for i := range tasks {
		t := &tasks[i]
		if !t.Finished() {
			continue
		}
		s.FinishedTasks++
		if *t.Status == 0 {
			s.SucceededTasks++
		} else {
			s.FailedTasks++
		}
	}
	return s
}
