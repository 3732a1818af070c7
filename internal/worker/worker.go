// Package worker implements the worker-side client: the control
// connection handshake, the message dispatch loop, a pool of
// JobProcUnits sized by MAX_TASK_CAN_PROC, and — for MERGER-role
// workers — a PostProcUnit fed by a dedicated binary data listener.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Totoro-Yes/VerManager/internal/config"
	"github.com/Totoro-Yes/VerManager/internal/datalink"
	"github.com/Totoro-Yes/VerManager/internal/protocol"
	"github.com/Totoro-Yes/VerManager/internal/task"
	"github.com/Totoro-Yes/VerManager/internal/workerunit"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	uploadChunk  = 256 * 1024
)

// taskMeta is stashed per in-flight Single task at assignment time, since
// StateNotifier's signature carries only taskID/parent/state and the
// upload decision needs the recipe's resultPath and needPost flag too.
type taskMeta struct {
	parent     string
	resultPath string
	needPost   bool
}

// postMeta is stashed per in-flight Post (merge) task, for the same
// reason: the merged output path isn't part of a state notification.
type postMeta struct {
	output string
}

// fragBuf accumulates one connection's binary-frame chunks until its
// end-of-stream frame arrives, at which point it is handed to the
// PostProcUnit as a single fragment.
type fragBuf struct {
	taskID   string
	menu     string
	fileName string
	buf      bytes.Buffer
}

// Worker drives one connection to the master: the Property handshake,
// the control message loop, and the processing units that do the
// repo-sync-then-build work the master assigns.
type Worker struct {
	cfg *config.WorkerConfig
	log *slog.Logger

	conn    net.Conn
	fr      *protocol.FrameReader
	writeMu sync.Mutex

	logConn net.Conn // UDP, the TaskLog channel

	units    []*workerunit.JobProcUnit
	next     uint64
	postUnit *workerunit.PostProcUnit

	fragMu   sync.Mutex
	fragBufs map[net.Conn]*fragBuf

	mu    sync.Mutex
	tasks map[string]taskMeta
	posts map[string]postMeta
}

// New builds a Worker from cfg: one JobProcUnit per MAX_TASK_CAN_PROC
// slot, each with its own working directory so concurrent repo syncs
// never collide, plus a PostProcUnit when ROLE is MERGER.
func New(cfg *config.WorkerConfig, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		cfg:   cfg,
		log:   log,
		tasks: make(map[string]taskMeta),
		posts: make(map[string]postMeta),
	}

	for i := 0; i < cfg.MaxTaskCanProc; i++ {
		rs := &RepoSync{BuildDir: filepath.Join(cfg.BuildDir, fmt.Sprintf("slot-%d", i))}
		w.units = append(w.units, workerunit.NewJobProcUnit(cfg.RepoURL, cfg.ProjectName, rs, newExecutorFactory(), w, w))
	}

	if cfg.Role == protocol.RoleMerger {
		w.postUnit = workerunit.NewPostProcUnit(cfg.PostDir, newExecutorFactory(), w, w)
		w.fragBufs = make(map[net.Conn]*fragBuf)
	}

	return w
}

func newExecutorFactory() workerunit.ExecutorFactory {
	return func(workDir string, out io.Writer) workerunit.Runner {
		return &Executor{WorkDir: workDir, Stdout: out, Stderr: out}
	}
}

// Run dials the master, performs the Property handshake, starts the job
// units and (for a merger) the fragment listener, then reads and
// dispatches messages until the connection drops or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", w.cfg.MasterAddress.ControlAddr(), dialTimeout)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	w.conn = conn
	w.fr = protocol.NewFrameReader(conn)
	defer conn.Close()

	if err := w.handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	if logConn, err := net.Dial("udp", w.cfg.MasterAddress.LogAddr()); err != nil {
		w.log.Warn("task log channel unavailable", "error", err)
	} else {
		w.logConn = logConn
		defer logConn.Close()
	}

	unitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, u := range w.units {
		go u.Run(unitCtx)
	}

	if w.postUnit != nil {
		listener := datalink.New(w.cfg.MergerAddress.DataAddr(), w.handleFragmentChunk, w.log)
		listener.OnEnd(w.handleFragmentEnd)
		go func() {
			if err := listener.Serve(unitCtx); err != nil {
				w.log.Warn("post fragment listener stopped", "error", err)
			}
		}()
	}

	w.log.Info("connected to master", "addr", w.cfg.MasterAddress.ControlAddr(), "role", w.cfg.Role)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		kind, body, _, err := w.fr.ReadFrame()
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		if kind != protocol.FrameText {
			continue
		}
		msg, err := protocol.Decode(body)
		if err != nil {
			w.log.Warn("malformed message", "error", err)
			continue
		}
		w.dispatch(msg)
	}
}

// handshake sends the Property frame and consumes the PropOK and
// Command ACCEPT/ACCEPT_RST that immediately follow it, mirroring
// internal/session.Accept's server-side sendAck sequence.
func (w *Worker) handshake() error {
	body, err := protocol.Encode(protocol.TypeProperty,
		protocol.PropertyHeader{Ident: w.cfg.WorkerName},
		protocol.PropertyContent{MAX: w.cfg.MaxTaskCanProc, Role: w.cfg.Role})
	if err != nil {
		return err
	}
	if err := w.write(body); err != nil {
		return err
	}

	kind, ackBody, _, err := w.fr.ReadFrame()
	if err != nil {
		return fmt.Errorf("read propOK: %w", err)
	}
	if kind != protocol.FrameText {
		return fmt.Errorf("expected text frame for propOK")
	}
	ack, err := protocol.Decode(ackBody)
	if err != nil {
		return err
	}
	if ack.Type != protocol.TypePropOK {
		return fmt.Errorf("expected %q, got %q", protocol.TypePropOK, ack.Type)
	}

	kind, cmdBody, _, err := w.fr.ReadFrame()
	if err != nil {
		return fmt.Errorf("read accept command: %w", err)
	}
	if kind != protocol.FrameText {
		return fmt.Errorf("expected text frame for accept command")
	}
	cmd, err := protocol.Decode(cmdBody)
	if err != nil {
		return err
	}
	header, err := protocol.DecodeHeader[protocol.CommandHeader](cmd)
	if err != nil {
		return err
	}
	if header.Type != protocol.CommandAccept && header.Type != protocol.CommandAcceptRst {
		return fmt.Errorf("expected ACCEPT/ACCEPT_RST, got %q", header.Type)
	}

	w.log.Info("handshake complete", "reclaimed", header.Type == protocol.CommandAccept)
	return nil
}

func (w *Worker) write(body []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteFrame(w.conn, body)
}

func (w *Worker) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeNewTask:
		w.handleNewTask(msg)
	case protocol.TypePost:
		w.handlePost(msg)
	case protocol.TypeCancel:
		w.handleCancel(msg)
	case protocol.TypeCommand:
		w.handleCommand(msg)
	case protocol.TypeHeartbeat:
		// liveness only; nothing to do.
	default:
		w.log.Warn("unhandled message type", "type", msg.Type)
	}
}

func (w *Worker) handleNewTask(msg protocol.Message) {
	header, err := protocol.DecodeHeader[protocol.NewTaskHeader](msg)
	if err != nil {
		w.log.Warn("malformed new task header", "error", err)
		return
	}
	content, err := protocol.DecodeContent[protocol.NewTaskContent](msg)
	if err != nil {
		w.log.Warn("malformed new task content", "error", err)
		return
	}

	w.mu.Lock()
	w.tasks[header.Tid] = taskMeta{parent: header.Parent, resultPath: content.Extra.ResultPath, needPost: header.NeedPost}
	w.mu.Unlock()

	w.enqueue(workerunit.Assignment{
		TaskID: header.Tid,
		Parent: header.Parent,
		SN:     content.SN,
		Cmds:   content.Extra.Cmds,
	})
}

// enqueue hands a to the next unit in round-robin order, trying every
// unit once before giving up.
func (w *Worker) enqueue(a workerunit.Assignment) {
	n := len(w.units)
	if n == 0 {
		w.log.Error("no job units configured", "task", a.TaskID)
		return
	}
	start := int(atomic.AddUint64(&w.next, 1)-1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if err := w.units[idx].Enqueue(a); err == nil {
			return
		}
	}
	w.log.Error("every job unit busy or unavailable, dropping task", "task", a.TaskID)
}

func (w *Worker) handlePost(msg protocol.Message) {
	if w.postUnit == nil {
		w.log.Warn("received Post assignment on a non-merger worker")
		return
	}
	header, err := protocol.DecodeHeader[protocol.PostHeader](msg)
	if err != nil {
		w.log.Warn("malformed post header", "error", err)
		return
	}
	content, err := protocol.DecodeContent[protocol.PostContent](msg)
	if err != nil {
		w.log.Warn("malformed post content", "error", err)
		return
	}

	w.mu.Lock()
	w.posts[header.Ident] = postMeta{output: header.Output}
	w.mu.Unlock()

	if err := w.postUnit.Begin(workerunit.PostAssignment{TaskID: header.Ident, Fragments: content.Fragments, Cmds: content.Cmds}); err != nil {
		w.log.Warn("begin post assignment failed", "post", header.Ident, "error", err)
	}
}

func (w *Worker) handleCancel(msg protocol.Message) {
	header, err := protocol.DecodeHeader[protocol.CancelHeader](msg)
	if err != nil {
		w.log.Warn("malformed cancel header", "error", err)
		return
	}
	switch header.Type {
	case "Single":
		for _, u := range w.units {
			if err := u.Cancel(header.TaskId); err == nil {
				return
			}
		}
		w.log.Warn("cancel target not found", "task", header.TaskId)
	case "Post":
		w.log.Warn("cancel of an in-progress merge is not supported", "task", header.TaskId)
	default:
		w.log.Warn("unknown cancel type", "type", header.Type)
	}
}

func (w *Worker) handleCommand(msg protocol.Message) {
	header, err := protocol.DecodeHeader[protocol.CommandHeader](msg)
	if err != nil {
		w.log.Warn("malformed command header", "error", err)
		return
	}
	switch header.Type {
	case protocol.CommandCancelJob:
		for _, u := range w.units {
			if id, parent, ok := u.CurrentTask(); ok && parent == header.Target {
				if err := u.Cancel(id); err != nil {
					w.log.Warn("cancel job task failed", "task", id, "error", err)
				}
			}
		}
	case protocol.CommandAccept, protocol.CommandAcceptRst:
		// Only expected during the handshake; already consumed there.
	default:
		w.log.Warn("unknown command", "type", header.Type)
	}
}

// NotifyTaskState implements workerunit.StateNotifier: it reports the
// transition to the master and, on a terminal Finished state, fires off
// the artifact upload the transition unblocks.
func (w *Worker) NotifyTaskState(taskID, parent string, state task.State) {
	if err := w.sendResponse(taskID, parent, state); err != nil {
		w.log.Warn("send response failed", "task", taskID, "error", err)
	}
	if state != task.StateFinished {
		return
	}

	w.mu.Lock()
	meta, isSingle := w.tasks[taskID]
	if isSingle {
		delete(w.tasks, taskID)
	}
	pmeta, isPost := w.posts[taskID]
	if isPost {
		delete(w.posts, taskID)
	}
	w.mu.Unlock()

	if isSingle && meta.resultPath != "" {
		go w.uploadSingleResult(taskID, meta)
	}
	if isPost && pmeta.output != "" {
		go w.uploadMergedResult(taskID, pmeta)
	}
}

func (w *Worker) sendResponse(taskID, parent string, state task.State) error {
	body, err := protocol.Encode(protocol.TypeResponse,
		protocol.ResponseHeader{Ident: w.cfg.WorkerName, Tid: taskID, Parent: parent},
		protocol.ResponseContent{State: state.WireCode()})
	if err != nil {
		return err
	}
	return w.write(body)
}

// SendLog implements workerunit.LogSink, shipping a task's combined
// output over the dedicated UDP TaskLog channel rather than the
// control-plane connection (see protocol.TypeTaskLog).
func (w *Worker) SendLog(taskID, message string) {
	if w.logConn == nil {
		return
	}
	body, err := protocol.Encode(protocol.TypeTaskLog,
		protocol.TaskLogHeader{Ident: w.cfg.WorkerName, Tid: taskID},
		protocol.TaskLogContent{Message: message})
	if err != nil {
		return
	}
	w.logConn.Write(body)
}

// uploadSingleResult streams a finished Single task's result file to the
// merger (when the job needs a Post step) or directly to the master.
// The job's Parent id doubles as the destination Post task id on the
// needPost path, since the assignment doesn't carry one separately.
func (w *Worker) uploadSingleResult(taskID string, meta taskMeta) {
	dest := w.cfg.MasterAddress.DataAddr()
	menu := ""
	if meta.needPost {
		dest = w.cfg.MergerAddress.DataAddr()
		menu = meta.parent
	}
	if err := w.streamArtifact(dest, taskID, menu, meta.resultPath); err != nil {
		w.log.Warn("artifact upload failed", "task", taskID, "dest", dest, "error", err)
	}
}

// uploadMergedResult streams a finished Post task's merged output to the
// master.
func (w *Worker) uploadMergedResult(postID string, meta postMeta) {
	dest := w.cfg.MasterAddress.DataAddr()
	if err := w.streamArtifact(dest, postID, "", meta.output); err != nil {
		w.log.Warn("merged artifact upload failed", "post", postID, "dest", dest, "error", err)
	}
}

// streamArtifact dials dest and streams path as a sequence of binary
// frames keyed by taskID, terminated by an empty-payload frame.
func (w *Worker) streamArtifact(dest, taskID, menu, path string) error {
	conn, err := net.DialTimeout("tcp", dest, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", dest, err)
	}
	defer conn.Close()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fileName := filepath.Base(path)
	buf := make([]byte, uploadChunk)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := protocol.WriteBinaryFrame(conn, protocol.BinaryFrame{FileName: fileName, TaskID: taskID, Menu: menu, Payload: payload}); werr != nil {
				return werr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	return protocol.WriteBinaryFrame(conn, protocol.BinaryFrame{FileName: fileName, TaskID: taskID, Menu: menu})
}

// handleFragmentChunk accumulates one connection's binary-frame chunks;
// it is a datalink.Handler passed to a merger's fragment listener.
func (w *Worker) handleFragmentChunk(conn net.Conn, frame protocol.BinaryFrame) error {
	w.fragMu.Lock()
	defer w.fragMu.Unlock()
	fb, ok := w.fragBufs[conn]
	if !ok {
		fb = &fragBuf{taskID: frame.TaskID, menu: frame.Menu, fileName: frame.FileName}
		w.fragBufs[conn] = fb
	}
	fb.buf.Write(frame.Payload)
	return nil
}

// handleFragmentEnd finalizes a connection's accumulated fragment and
// hands it to the PostProcUnit; it is a datalink.EndHandler.
func (w *Worker) handleFragmentEnd(conn net.Conn, frame protocol.BinaryFrame) {
	w.fragMu.Lock()
	fb, ok := w.fragBufs[conn]
	if ok {
		delete(w.fragBufs, conn)
	}
	w.fragMu.Unlock()
	if !ok {
		return
	}

	postID := fb.menu
	if postID == "" {
		postID = frame.Menu
	}
	if err := w.postUnit.ReceiveFragment(context.Background(), postID, fb.taskID, fb.buf.Bytes()); err != nil {
		w.log.Warn("receive fragment failed", "post", postID, "frag", fb.taskID, "error", err)
	}
}
