package storage

import (
	"context"

	"github.com/Totoro-Yes/VerManager/internal/jobmaster"
)

// Adapter binds a Store's context-taking methods to the context-free
// signatures jobmaster.IDAllocator and jobmaster.HistoryRecorder expect.
type Adapter struct {
	Store Store
}

// NextJobID implements jobmaster.IDAllocator.
func (a Adapter) NextJobID() (int64, error) {
	return a.Store.NextJobID(context.Background())
}

// RecordJob implements jobmaster.HistoryRecorder.
func (a Adapter) RecordJob(job *jobmaster.Job) error {
	return a.Store.CreateJob(context.Background(), &JobRecord{
		UniqueID: job.UniqueID,
		JobID:    job.ID,
		CmdID:    job.CmdID,
		Info:     job.Info,
	})
}

// RecordJobHistory implements jobmaster.HistoryRecorder.
func (a Adapter) RecordJobHistory(job *jobmaster.Job) error {
	h := &JobHistoryRecord{
		UniqueID: job.UniqueID,
		JobID:    job.ID,
		FilePath: job.Result,
	}
	for _, t := range job.Tasks() {
		h.Tasks = append(h.Tasks, TaskOutcome{TaskName: t.ID, State: t.State().String()})
	}
	if err := a.Store.RecordJobHistory(context.Background(), h); err != nil {
		return err
	}
	return a.Store.DeleteJob(context.Background(), job.UniqueID)
}

// ListJobHistory implements jobmaster.HistoryReader.
func (a Adapter) ListJobHistory() ([]jobmaster.HistoryEntry, error) {
	records, err := a.Store.ListJobHistory(context.Background())
	if err != nil {
		return nil, err
	}
	out := make([]jobmaster.HistoryEntry, 0, len(records))
	for _, r := range records {
		tasks := make([]jobmaster.TaskOutcome, 0, len(r.Tasks))
		for _, t := range r.Tasks {
			tasks = append(tasks, jobmaster.TaskOutcome{TaskName: t.TaskName, State: t.State})
		}
		out = append(out, jobmaster.HistoryEntry{
			UniqueID: r.UniqueID,
			JobID:    r.JobID,
			FilePath: r.FilePath,
			Tasks:    tasks,
		})
	}
	return out, nil
}
