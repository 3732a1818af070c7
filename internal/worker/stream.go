package worker

import (
	"bytes"
	"io"
	"sync"
	"time"
)

const (
	// Maximum chunk size for log messages
	maxChunkSize = 64 * 1024 // 64KB

	// Flush interval for buffered output
	flushInterval = 100 * time.Millisecond

	// Minimum bytes before flushing (to avoid tiny messages)
	minFlushSize = 256
)

// LogCallback is called when a task's log data is ready to send, in
// protocol.TaskLogContent form.
type LogCallback func(taskID, message string)

// LogStreamer buffers a task's combined stdout/stderr and flushes it to
// callback periodically or once a chunk grows large enough, matching the
// original's single log endpoint per task rather than separate streams.
type LogStreamer struct {
	taskID   string
	callback LogCallback

	mu     sync.Mutex
	out    *streamWriter
	ticker *time.Ticker
	done   chan struct{}
}

// NewLogStreamer creates a new log streamer for taskID.
func NewLogStreamer(taskID string, callback LogCallback) *LogStreamer {
	s := &LogStreamer{
		taskID:   taskID,
		callback: callback,
		done:     make(chan struct{}),
	}
	s.out = &streamWriter{streamer: s}

	s.ticker = time.NewTicker(flushInterval)
	go s.flushLoop()

	return s
}

// Writer returns the io.Writer commands should have their combined
// stdout/stderr written to.
func (s *LogStreamer) Writer() io.Writer {
	return s.out
}

// Flush sends any buffered data.
func (s *LogStreamer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.flush()
}

// Close stops the streamer and flushes remaining data.
func (s *LogStreamer) Close() {
	close(s.done)
	s.ticker.Stop()
	s.Flush()
}

func (s *LogStreamer) flushLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.mu.Lock()
			s.out.maybeFlush()
			s.mu.Unlock()
		}
	}
}

// streamWriter implements io.Writer, buffering and chunking into
// callback calls.
type streamWriter struct {
	streamer *LogStreamer
	buf      bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (n int, err error) {
	w.streamer.mu.Lock()
	defer w.streamer.mu.Unlock()

	n, err = w.buf.Write(p)
	if err != nil {
		return n, err
	}

	for w.buf.Len() >= maxChunkSize {
		data := w.buf.Next(maxChunkSize)
		w.streamer.callback(w.streamer.taskID, string(data))
	}

	return n, nil
}

func (w *streamWriter) flush() {
	if w.buf.Len() == 0 {
		return
	}
	for w.buf.Len() > 0 {
		size := w.buf.Len()
		if size > maxChunkSize {
			size = maxChunkSize
		}
		data := w.buf.Next(size)
		w.streamer.callback(w.streamer.taskID, string(data))
	}
}

func (w *streamWriter) maybeFlush() {
	if w.buf.Len() >= minFlushSize {
		w.flush()
	}
}

// PrefixWriter adds a prefix to each line.
type PrefixWriter struct {
	w       io.Writer
	prefix  string
	atStart bool
}

// NewPrefixWriter creates a writer that prefixes each line.
func NewPrefixWriter(w io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{
		w:       w,
		prefix:  prefix,
		atStart: true,
	}
}

func (w *PrefixWriter) Write(p []byte) (n int, err error) {
	total := 0
	for len(p) > 0 {
		if w.atStart {
			if _, err := w.w.Write([]byte(w.prefix)); err != nil {
				return total, err
			}
			w.atStart = false
		}

		idx := bytes.IndexByte(p, '\n')
		if idx < 0 {
			n, err := w.w.Write(p)
			return total + n, err
		}

		n, err := w.w.Write(p[:idx+1])
		total += n
		if err != nil {
			return total, err
		}

		p = p[idx+1:]
		w.atStart = true
	}
	return total, nil
}
