package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		header  any
		content any
	}{
		{
			name:    "Property",
			msgType: TypeProperty,
			header:  PropertyHeader{Ident: "worker-1", Token: "shh"},
			content: PropertyContent{MAX: 4096, PROC: 0, Role: RoleNormal},
		},
		{
			name:    "PropOK",
			msgType: TypePropOK,
			header:  struct{}{},
			content: PropOKContent{Ident: "worker-1"},
		},
		{
			name:    "Heartbeat",
			msgType: TypeHeartbeat,
			header:  HeartbeatHeader{Ident: "worker-1", Seq: 42},
			content: struct{}{},
		},
		{
			name:    "NewTask",
			msgType: TypeNewTask,
			header:  NewTaskHeader{Tid: "t-1", Parent: "job-7", NeedPost: true},
			content: NewTaskContent{
				SN:       "svc-a",
				VSN:      "1.2.3",
				Datetime: "2026-07-29T00:00:00Z",
				Extra:    NewTaskExtra{Cmds: []string{"make build"}, ResultPath: "out.tar"},
			},
		},
		{
			name:    "Post",
			msgType: TypePost,
			header:  PostHeader{Ident: "merger-1", Version: "1.2.3", Output: "release.tar"},
			content: PostContent{Cmds: []string{"make merge"}, Fragments: []string{"t-1", "t-2"}},
		},
		{
			name:    "Response",
			msgType: TypeResponse,
			header:  ResponseHeader{Ident: "worker-1", Tid: "t-1", Parent: "job-7"},
			content: ResponseContent{State: RespStateFinished},
		},
		{
			name:    "Cancel",
			msgType: TypeCancel,
			header:  CancelHeader{TaskId: "t-1", Type: "Single"},
			content: struct{}{},
		},
		{
			name:    "Command",
			msgType: TypeCommand,
			header:  CommandHeader{Type: CommandAccept, Target: "worker-1"},
			content: struct{}{},
		},
		{
			name:    "CmdResponse",
			msgType: TypeCmdResponse,
			header:  CmdResponseHeader{Ident: "worker-1", Type: CommandAccept, State: "ok"},
			content: CmdResponseContent{Reason: ""},
		},
		{
			name:    "Log",
			msgType: TypeLog,
			header:  LogHeader{Ident: "worker-1", LogId: "l-1"},
			content: LogContent{LogMsg: "building...\n"},
		},
		{
			name:    "WSCNotify",
			msgType: TypeWSCNotify,
			header:  WSCHeader{Ident: "worker-1", Type: "WSC"},
			content: WSCContent{State: WSCReady},
		},
		{
			name:    "TaskLog",
			msgType: TypeTaskLog,
			header:  TaskLogHeader{Ident: "worker-1", Tid: "t-1"},
			content: TaskLogContent{Message: "line of output\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msgType, tt.header, tt.content)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			var raw map[string]any
			if err := json.Unmarshal(data, &raw); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}

			msg, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("type = %q, want %q", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecodeHeaderContent(t *testing.T) {
	original := NewTaskContent{
		SN:       "svc-a",
		VSN:      "2.0.0",
		Datetime: "2026-07-29T01:02:03Z",
		Extra:    NewTaskExtra{Cmds: []string{"make", "make test"}, ResultPath: "dist/out.bin"},
	}
	header := NewTaskHeader{Tid: "t-9", Parent: "job-1", NeedPost: false}

	data, err := Encode(TypeNewTask, header, original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Type != TypeNewTask {
		t.Fatalf("type = %q, want %q", msg.Type, TypeNewTask)
	}

	gotHeader, err := DecodeHeader[NewTaskHeader](msg)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if gotHeader != header {
		t.Errorf("header = %+v, want %+v", gotHeader, header)
	}

	gotContent, err := DecodeContent[NewTaskContent](msg)
	if err != nil {
		t.Fatalf("DecodeContent failed: %v", err)
	}
	if gotContent.SN != original.SN || gotContent.VSN != original.VSN {
		t.Errorf("content = %+v, want %+v", gotContent, original)
	}
	if len(gotContent.Extra.Cmds) != 2 {
		t.Errorf("Extra.Cmds len = %d, want 2", len(gotContent.Extra.Cmds))
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte("not valid json"))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDecodeContentTypeMismatch(t *testing.T) {
	data, _ := Encode(TypePropOK, struct{}{}, PropOKContent{Ident: "worker-1"})
	msg, _ := Decode(data)

	got, err := DecodeContent[NewTaskContent](msg)
	if err != nil {
		return
	}
	if got.SN != "" {
		t.Error("expected empty SN for type mismatch")
	}
}

func TestNewHeartbeat(t *testing.T) {
	msg, err := NewHeartbeat("worker-1", 7)
	if err != nil {
		t.Fatalf("NewHeartbeat failed: %v", err)
	}
	if msg.Type != TypeHeartbeat {
		t.Fatalf("type = %q, want %q", msg.Type, TypeHeartbeat)
	}
	header, err := DecodeHeader[HeartbeatHeader](msg)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if header.Ident != "worker-1" || header.Seq != 7 {
		t.Errorf("header = %+v, want ident=worker-1 seq=7", header)
	}
}

func TestMessageFormat(t *testing.T) {
	data, err := Encode(TypeProperty, PropertyHeader{Ident: "worker-1", Token: "tok"}, PropertyContent{MAX: 10, Role: RoleNormal})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if raw["type"] != TypeProperty {
		t.Errorf("type = %v, want %q", raw["type"], TypeProperty)
	}
	header, ok := raw["header"].(map[string]any)
	if !ok {
		t.Fatal("header is not an object")
	}
	if header["ident"] != "worker-1" {
		t.Errorf("ident = %v, want %q", header["ident"], "worker-1")
	}
	content, ok := raw["content"].(map[string]any)
	if !ok {
		t.Fatal("content is not an object")
	}
	if content["role"] != RoleNormal {
		t.Errorf("role = %v, want %q", content["role"], RoleNormal)
	}
}
