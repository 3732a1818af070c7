package router

import (
	"log/slog"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
	"github.com/Totoro-Yes/VerManager/internal/task"
)

// StateReporter advances a tracked task's state; implemented by
// *dispatcher.Dispatcher.
type StateReporter interface {
	ReportState(taskID string, newState task.State)
}

// RegisterDefaults wires the handlers every master connection needs:
// task-state Response reports, Command acks, and passthrough log/health
// notifications from the worker.
func RegisterDefaults(r *Router, reporter StateReporter, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	r.Handle(protocol.TypeResponse, func(ident string, msg protocol.Message) {
		header, err := protocol.DecodeHeader[protocol.ResponseHeader](msg)
		if err != nil {
			log.Warn("malformed response header", "worker", ident, "error", err)
			return
		}
		content, err := protocol.DecodeContent[protocol.ResponseContent](msg)
		if err != nil {
			log.Warn("malformed response content", "worker", ident, "error", err)
			return
		}
		state, ok := task.StateFromWireCode(content.State)
		if !ok {
			log.Warn("unknown response state code", "worker", ident, "task_id", header.Tid, "state", content.State)
			return
		}
		reporter.ReportState(header.Tid, state)
	})

	r.Handle(protocol.TypeCmdResponse, func(ident string, msg protocol.Message) {
		header, err := protocol.DecodeHeader[protocol.CmdResponseHeader](msg)
		if err != nil {
			log.Warn("malformed cmdResponse header", "worker", ident, "error", err)
			return
		}
		log.Debug("command acknowledged", "worker", ident, "type", header.Type, "state", header.State)
	})

	r.Handle(protocol.TypeWSCNotify, func(ident string, msg protocol.Message) {
		content, err := protocol.DecodeContent[protocol.WSCContent](msg)
		if err != nil {
			log.Warn("malformed WSC notify", "worker", ident, "error", err)
			return
		}
		log.Debug("worker aggregate state", "worker", ident, "state", content.State)
	})

	r.Handle(protocol.TypeLog, func(ident string, msg protocol.Message) {
		header, err := protocol.DecodeHeader[protocol.LogHeader](msg)
		if err != nil {
			return
		}
		content, err := protocol.DecodeContent[protocol.LogContent](msg)
		if err != nil {
			return
		}
		log.Info("worker log", "worker", ident, "log_id", header.LogId, "msg", content.LogMsg)
	})

	r.Handle(protocol.TypeTaskLog, func(ident string, msg protocol.Message) {
		header, err := protocol.DecodeHeader[protocol.TaskLogHeader](msg)
		if err != nil {
			return
		}
		content, err := protocol.DecodeContent[protocol.TaskLogContent](msg)
		if err != nil {
			return
		}
		log.Info("task log", "worker", ident, "task_id", header.Tid, "msg", content.Message)
	})
}
