package agent

import (
	"reflect"
	"testing"
)

func TestParseMessage(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc","tools":["Bash","Read",42]}`)
	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != MessageSystem || msg.Subtype != SubtypeInit || msg.SessionID != "abc" {
		t.Errorf("tags = %s/%s/%s", msg.Type, msg.Subtype, msg.SessionID)
	}
	if !msg.IsInit() {
		t.Errorf("IsInit() = false for system init")
	}
	// Non-string entries in the tool list are skipped.
	if got := msg.InitTools(); !reflect.DeepEqual(got, []string{"Bash", "Read"}) {
		t.Errorf("InitTools() = %v", got)
	}
}

func TestParseMessageRejectsBadJSON(t *testing.T) {
	if _, err := ParseMessage([]byte(`{"type":`)); err == nil {
		t.Errorf("ParseMessage accepted truncated JSON")
	}
}

func TestMessageFieldAccessors(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"result":"ok","is_error":true,"num_turns":3,"missing":null}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Str("result") != "ok" {
		t.Errorf("Str(result) = %q", msg.Str("result"))
	}
	if !msg.Bool("is_error") {
		t.Errorf("Bool(is_error) = false")
	}
	if msg.Float("num_turns") != 3 {
		t.Errorf("Float(num_turns) = %v", msg.Float("num_turns"))
	}
	if msg.Str("absent") != "" || msg.Float("absent") != 0 || msg.Bool("absent") {
		t.Errorf("absent fields did not zero out")
	}
}

func TestMessageToolUseID(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"snake case", `{"tool_use_id":"t1"}`, "t1"},
		{"camel case", `{"toolUseID":"t2"}`, "t2"},
		{"parent id", `{"parent_tool_use_id":"t3"}`, "t3"},
		{"first spelling wins", `{"tool_use_id":"t1","parent_tool_use_id":"t3"}`, "t1"},
		{"none", `{"type":"assistant"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.json))
			if err != nil {
				t.Fatalf("ParseMessage: %v", err)
			}
			if got := msg.ToolUseID(); got != tt.want {
				t.Errorf("ToolUseID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageErrors(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"errors":["boom","bang",7]}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if got := msg.Errors(); !reflect.DeepEqual(got, []string{"boom", "bang"}) {
		t.Errorf("Errors() = %v", got)
	}
}
