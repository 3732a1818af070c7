// Package protocol implements the wire format shared by the master and its
// workers: a length-prefixed text JSON framing for control messages and a
// fixed-width binary framing for artifact streams, multiplexed on the same
// TCP socket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types sent master -> worker.
const (
	TypePropOK    = "propOK"
	TypeNewTask   = "new"
	TypePost      = "Post"
	TypeCancel    = "cancel"
	TypeCommand   = "command"
	TypeHeartbeat = "Hb"
)

// Command subtypes carried in a "command" message's header.type.
const (
	CommandAccept    = "ACCEPT"
	CommandAcceptRst = "ACCEPT_RST"
	CommandCancelJob = "CANCEL_JOB"
)

// Message types sent worker -> master.
const (
	TypeProperty    = "notify"
	TypeResponse    = "response"
	TypeLog         = "log"
	TypeLogRegister = "logRegister"
	TypeCmdResponse = "cmdResponse"
	TypeWSCNotify   = "Notify"
	TypeTaskLog     = "TL" // sent over the UDP log channel, not the control socket
)

// Message types published by the Job Master for an external client-facing
// proxy (§6 "Client message source"). These never cross the worker wire;
// they flow through a jobmaster.ClientNotifier instead.
const (
	TypeJobInfo        = "JobInfo"
	TypeJobStateChange = "JobStateChange"
	TypeJobFin         = "JobFin"
	TypeJobFail        = "JobFail"
	TypeJobNewResult   = "JobNewResult"
)

// Response state codes, the wire representation of task.State.
const (
	RespStatePrepare  = "0"
	RespStateInProc   = "1"
	RespStateFinished = "2"
	RespStateFailure  = "3"
)

// Worker roles.
const (
	RoleNormal = "NORMAL"
	RoleMerger = "MERGER"
)

// WSC (worker state change) aggregate states.
const (
	WSCPending = "PENDING"
	WSCReady   = "READY"
)

// MaxFrameSize is the hard ceiling on any single frame, text or binary.
const MaxFrameSize = 16 * 1024 * 1024

// Message is the envelope for the text framing:
// {"type": "...", "header": {...}, "content": {...}}
type Message struct {
	Type    string          `json:"type"`
	Header  json.RawMessage `json:"header"`
	Content json.RawMessage `json:"content"`
}

// Encode marshals a type/header/content triple into a text frame body
// (without the 2-byte length prefix; see EncodeFrame for that).
func Encode(msgType string, header, content any) ([]byte, error) {
	h, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	c, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return json.Marshal(Message{Type: msgType, Header: h, Content: c})
}

// Decode parses the envelope, leaving header/content raw for per-type
// unmarshalling via DecodeHeader/DecodeContent.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}

// DecodeHeader unmarshals a message's header into T.
func DecodeHeader[T any](msg Message) (T, error) {
	var v T
	if len(msg.Header) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(msg.Header, &v); err != nil {
		return v, fmt.Errorf("unmarshal header: %w", err)
	}
	return v, nil
}

// DecodeContent unmarshals a message's content into T.
func DecodeContent[T any](msg Message) (T, error) {
	var v T
	if len(msg.Content) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(msg.Content, &v); err != nil {
		return v, fmt.Errorf("unmarshal content: %w", err)
	}
	return v, nil
}

// --- Property (worker -> master, first frame on a new session) ---

// PropertyHeader identifies the worker presenting itself.
type PropertyHeader struct {
	Ident string `json:"ident"`
	Token string `json:"token"`
}

// PropertyContent declares a worker's capacity and role.
type PropertyContent struct {
	MAX  int    `json:"MAX"`
	PROC int    `json:"PROC"`
	Role string `json:"role"`
}

// PropOKContent acknowledges a Property frame with the assigned ident.
type PropOKContent struct {
	Ident string `json:"ident"`
}

// --- Heartbeat ---

// HeartbeatHeader carries the sender's ident and the echoed sequence.
type HeartbeatHeader struct {
	Ident string `json:"ident"`
	Seq   int64  `json:"seq"`
}

// --- NewTask (master -> worker, Single task assignment) ---

// NewTaskHeader identifies the task.
type NewTaskHeader struct {
	Tid      string `json:"tid"`
	Parent   string `json:"parent"`
	NeedPost bool   `json:"needPost"`
}

// NewTaskExtra carries the preprocessed recipe for the task.
type NewTaskExtra struct {
	Cmds       []string `json:"cmds"`
	ResultPath string   `json:"resultPath"`
}

// NewTaskContent carries the revision and recipe for a Single task.
type NewTaskContent struct {
	SN       string       `json:"sn"`
	VSN      string       `json:"vsn"`
	Datetime string       `json:"datetime"`
	Extra    NewTaskExtra `json:"extra"`
}

// --- Post (master -> merger worker, BuildSet merge assignment) ---

// PostHeader identifies the Post task.
type PostHeader struct {
	Ident   string `json:"ident"`
	Version string `json:"version"`
	Output  string `json:"output"`
}

// PostContent carries the merge recipe and the fragment ids it waits on.
type PostContent struct {
	Cmds      []string `json:"cmds"`
	Fragments []string `json:"Fragments"`
}

// --- Response (worker -> master, task state transition report) ---

// ResponseHeader identifies the task a Response refers to.
type ResponseHeader struct {
	Ident  string `json:"ident"`
	Tid    string `json:"tid"`
	Parent string `json:"parent"`
}

// ResponseContent carries the new task state.
type ResponseContent struct {
	State string `json:"state"`
}

// --- Cancel (master -> worker) ---

// CancelHeader identifies the task to cancel.
type CancelHeader struct {
	TaskId string `json:"taskId"`
	Type   string `json:"type"` // "Single" or "Post"
}

// --- Command (master -> worker): ACCEPT / ACCEPT_RST / CANCEL_JOB ---

// CommandHeader carries the command subtype and its target.
type CommandHeader struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Extra  string `json:"extra,omitempty"`
}

// --- CmdResponse (worker -> master) ---

// CmdResponseHeader acknowledges a Command.
type CmdResponseHeader struct {
	Ident  string `json:"ident"`
	Type   string `json:"type"`
	State  string `json:"state"`
	Target string `json:"target,omitempty"`
}

// CmdResponseContent carries an optional reason.
type CmdResponseContent struct {
	Reason string `json:"reason,omitempty"`
}

// --- Log / LogRegister (worker -> master, TCP control-plane logging) ---

// LogHeader identifies the worker and log stream.
type LogHeader struct {
	Ident string `json:"ident"`
	LogId string `json:"logId"`
}

// LogContent carries one chunk of log output.
type LogContent struct {
	LogMsg string `json:"logMsg"`
}

// --- WSC Notify (worker -> master, aggregate health report) ---

// WSCHeader identifies the reporting worker.
type WSCHeader struct {
	Ident string `json:"ident"`
	Type  string `json:"type"` // always "WSC"
}

// WSCContent carries the worker's aggregate readiness state.
type WSCContent struct {
	State string `json:"state"`
}

// --- TaskLog (worker -> master, over the UDP log channel) ---

// TaskLogHeader identifies the sending worker and task.
type TaskLogHeader struct {
	Ident string `json:"ident"`
	Tid   string `json:"tid"`
}

// TaskLogContent carries one decoded chunk of a task's stdout.
type TaskLogContent struct {
	Message string `json:"message"`
}

// --- JobInfo (Job Master -> client, emitted once a job is dispatched) ---

// JobInfoHeader identifies the job a snapshot describes.
type JobInfoHeader struct {
	UniqueID string `json:"uniqueId"`
	JobID    string `json:"jobId"`
}

// JobInfoTask names one task and its state at snapshot time.
type JobInfoTask struct {
	TaskID string `json:"taskId"`
	State  string `json:"state"`
}

// JobInfoContent lists every task bound to the job.
type JobInfoContent struct {
	Tasks []JobInfoTask `json:"tasks"`
}

// --- JobStateChange (Job Master -> client, one per task state report) ---

// JobStateChangeHeader identifies the job and task a state change refers to.
type JobStateChangeHeader struct {
	UniqueID string `json:"uniqueId"`
	JobID    string `json:"jobId"`
	TaskID   string `json:"taskId"`
}

// JobStateChangeContent carries the task's new state.
type JobStateChangeContent struct {
	State string `json:"state"`
}

// --- JobFin / JobFail (Job Master -> client, terminal notifications) ---

// JobFinHeader identifies a job that finished successfully.
type JobFinHeader struct {
	UniqueID string `json:"uniqueId"`
	JobID    string `json:"jobId"`
}

// JobFailHeader identifies a job that terminated in failure.
type JobFailHeader struct {
	UniqueID string `json:"uniqueId"`
	JobID    string `json:"jobId"`
}

// --- JobNewResult (Job Master -> client, broadcast on success) ---

// JobNewResultContent carries the finished artifact's landed path.
type JobNewResultContent struct {
	UniqueID string `json:"uniqueId"`
	JobID    string `json:"jobId"`
	FilePath string `json:"filePath"`
}

// NewHeartbeat builds a heartbeat Message for ident/seq.
func NewHeartbeat(ident string, seq int64) (Message, error) {
	raw, err := Encode(TypeHeartbeat, HeartbeatHeader{Ident: ident, Seq: seq}, struct{}{})
	if err != nil {
		return Message{}, err
	}
	return Decode(raw)
}
