package jobmaster

import (
	"testing"

	"github.com/Totoro-Yes/VerManager/internal/recipe"
	"github.com/Totoro-Yes/VerManager/internal/task"
)

type fakeHistoryReader struct {
	entries []HistoryEntry
	err     error
}

func (f *fakeHistoryReader) ListJobHistory() ([]HistoryEntry, error) {
	return f.entries, f.err
}

type fakeArtifactReader struct {
	data map[string][]byte
}

func (f *fakeArtifactReader) IsExists(key string) bool { _, ok := f.data[key]; return ok }
func (f *fakeArtifactReader) IsOpen(key string) bool   { return f.IsExists(key) }
func (f *fakeArtifactReader) Open(key string) error    { return nil }
func (f *fakeArtifactReader) Read(key string, length int, pos int64) ([]byte, error) {
	b, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if pos >= int64(len(b)) {
		return nil, nil
	}
	end := pos + int64(length)
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	return b[pos:end], nil
}

func TestQueryServiceProcessing(t *testing.T) {
	book := recipe.Book{
		"build-svc": recipe.Recipe{
			Build: recipe.Build{Ident: "main", Cmds: []string{"make"}, Out: "out/artifact"},
		},
	}
	m, _ := newTestMaster(book)
	job := NewJob("job-1", "build-svc", map[string]string{"sn": "svc", "vsn": "1.0"})
	if err := m.SubmitJob(job); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	q := NewQueryService(m, nil, nil)
	snaps := q.Processing()
	if len(snaps) != 1 {
		t.Fatalf("Processing() = %d jobs, want 1", len(snaps))
	}
	if snaps[0].JobID != "job-1" || len(snaps[0].Tasks) != 1 {
		t.Errorf("snapshot = %+v", snaps[0])
	}
}

func TestQueryServiceHistoryAndFiles(t *testing.T) {
	hist := &fakeHistoryReader{entries: []HistoryEntry{
		{UniqueID: 1, JobID: "job-1", FilePath: "result/1/artifact.tar", Tasks: []TaskOutcome{{TaskName: "main", State: "FINISHED"}}},
		{UniqueID: 2, JobID: "job-2", FilePath: "", Tasks: []TaskOutcome{{TaskName: "main", State: "FAILURE"}}},
	}}
	m, _ := newTestMaster(recipe.Book{})
	q := NewQueryService(m, hist, nil)

	entries, err := q.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("History() = %d entries, want 2", len(entries))
	}

	files, err := q.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 1 || files[0].JobID != "job-1" {
		t.Fatalf("Files() = %+v, want only job-1", files)
	}
}

func TestQueryServiceTask(t *testing.T) {
	book := recipe.Book{
		"build-svc": recipe.Recipe{
			Build: recipe.Build{Ident: "main", Cmds: []string{"make"}, Out: "out/artifact"},
		},
	}
	m, _ := newTestMaster(book)
	job := NewJob("job-1", "build-svc", map[string]string{"sn": "svc", "vsn": "1.0"})
	if err := m.SubmitJob(job); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	tk := job.Task("main")

	artifacts := &fakeArtifactReader{data: map[string][]byte{tk.ID: []byte("hello world")}}
	q := NewQueryService(m, nil, artifacts)

	data, isFin, err := q.Task("1", "main", 0)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("data = %q", data)
	}
	if isFin {
		t.Error("isFin = true before task finished")
	}

	_ = tk.Transition(task.StateInProc)
	_ = tk.Transition(task.StateFinished)
	_, isFin, err = q.Task("1", "main", 0)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if !isFin {
		t.Error("isFin = false after task finished")
	}
}
