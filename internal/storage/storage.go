package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence boundary: the job unique-id counter, the
// submitted-job record with its free-form info, and the history left
// behind once a job terminates.
type Store interface {
	// NextJobID returns the next unique job id, durably incremented.
	// Mirrors Informations.jobid_plus.
	NextJobID(ctx context.Context) (int64, error)

	// CreateJob records a newly submitted job and its info map.
	CreateJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, uniqueID int64) (*JobRecord, error)
	ListJobs(ctx context.Context) ([]*JobRecord, error)
	DeleteJob(ctx context.Context, uniqueID int64) error

	// RecordJobHistory writes a terminated job's outcome and the
	// final state of each of its tasks in one transaction.
	RecordJobHistory(ctx context.Context, h *JobHistoryRecord) error
	ListJobHistory(ctx context.Context) ([]*JobHistoryRecord, error)
	GetJobHistory(ctx context.Context, uniqueID int64) (*JobHistoryRecord, error)

	Close() error
}

// JobRecord mirrors the Jobs/JobInfos pair: a job in flight, identified
// by its durable unique id, with the job id and recipe command id it
// was bound to plus whatever extra info (sn, vsn, ...) it carried.
type JobRecord struct {
	UniqueID  int64
	JobID     string
	CmdID     string
	Info      map[string]string
	CreatedAt time.Time
}

// TaskOutcome is one task's terminal state, mirroring a TaskHistory row.
type TaskOutcome struct {
	TaskName string
	State    string
}

// JobHistoryRecord mirrors the JobHistory/TaskHistory pair: a job's
// terminal outcome plus the terminal state of each of its tasks.
type JobHistoryRecord struct {
	UniqueID  int64
	JobID     string
	FilePath  string
	Tasks     []TaskOutcome
	CreatedAt time.Time
}
