package worker

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLogStreamerBasic(t *testing.T) {
	var mu sync.Mutex
	var chunks []struct {
		taskID, data string
	}

	callback := func(taskID, data string) {
		mu.Lock()
		chunks = append(chunks, struct{ taskID, data string }{taskID, data})
		mu.Unlock()
	}

	streamer := NewLogStreamer("9_main", callback)
	defer streamer.Close()

	if _, err := streamer.Writer().Write([]byte("hello stdout\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := streamer.Writer().Write([]byte("hello stderr\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	streamer.Flush()

	mu.Lock()
	defer mu.Unlock()

	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].taskID != "9_main" {
		t.Errorf("chunks[0].taskID = %s, want 9_main", chunks[0].taskID)
	}
	if chunks[0].data != "hello stdout\nhello stderr\n" {
		t.Errorf("chunks[0].data = %q", chunks[0].data)
	}
}

func TestLogStreamerLargeChunk(t *testing.T) {
	var mu sync.Mutex
	var chunks []string

	callback := func(taskID, data string) {
		mu.Lock()
		chunks = append(chunks, data)
		mu.Unlock()
	}

	streamer := NewLogStreamer("9_main", callback)
	defer streamer.Close()

	largeData := strings.Repeat("x", maxChunkSize+1000)
	if _, err := streamer.Writer().Write([]byte(largeData)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	streamer.Flush()

	mu.Lock()
	defer mu.Unlock()

	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != maxChunkSize {
		t.Errorf("first chunk size = %d, want %d", len(chunks[0]), maxChunkSize)
	}

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != len(largeData) {
		t.Errorf("total data = %d, want %d", total, len(largeData))
	}
}

func TestLogStreamerAutoFlush(t *testing.T) {
	var mu sync.Mutex
	var chunks []string

	callback := func(taskID, data string) {
		mu.Lock()
		chunks = append(chunks, data)
		mu.Unlock()
	}

	streamer := NewLogStreamer("9_main", callback)
	defer streamer.Close()

	data := strings.Repeat("x", minFlushSize+10)
	if _, err := streamer.Writer().Write([]byte(data)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	time.Sleep(flushInterval * 2)

	mu.Lock()
	defer mu.Unlock()

	if len(chunks) == 0 {
		t.Error("expected auto-flush to send data")
	}
}

func TestPrefixWriter(t *testing.T) {
	var buf strings.Builder
	pw := NewPrefixWriter(&buf, ">>> ")

	if _, err := pw.Write([]byte("line1\nline2\nline3")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := pw.Write([]byte("\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	expected := ">>> line1\n>>> line2\n>>> line3\n"
	if buf.String() != expected {
		t.Errorf("output = %q, want %q", buf.String(), expected)
	}
}

func TestPrefixWriterNoNewline(t *testing.T) {
	var buf strings.Builder
	pw := NewPrefixWriter(&buf, "> ")

	if _, err := pw.Write([]byte("partial")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := pw.Write([]byte(" more")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := pw.Write([]byte("\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	expected := "> partial more\n"
	if buf.String() != expected {
		t.Errorf("output = %q, want %q", buf.String(), expected)
	}
}
