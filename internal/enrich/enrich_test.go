package enrich

import (
	"encoding/json"
	"testing"
)

func TestCommandBase(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"prefix wins", Command{Table: "assets", Field: "src_ip", Prefix: "attacker"}, "attacker"},
		{"field when no prefix", Command{Table: "assets", Field: "src_ip"}, "src_ip"},
		{"table as last resort", Command{Table: "assets"}, "assets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.Base(); got != tt.want {
				t.Errorf("Base() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandDecodeIgnoresUnknownFields(t *testing.T) {
	raw := `{"table":"assets","key":"10.0.0.1","field":"src_ip","future_knob":true}`
	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.Table != "assets" || cmd.Key != "10.0.0.1" || cmd.Field != "src_ip" {
		t.Errorf("unexpected command: %+v", cmd)
	}
}

func TestResultEncodesEnrichments(t *testing.T) {
	res := Result{
		Payload:     json.RawMessage(`{"src_ip":"10.0.0.1"}`),
		Enrichments: []Pair{{Key: "src_ip_owner", Value: "ops"}},
	}
	out, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Event       map[string]any `json:"event"`
		Enrichments []Pair         `json:"enrichments"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Event["src_ip"] != "10.0.0.1" {
		t.Errorf("payload not preserved: %v", decoded.Event)
	}
	if len(decoded.Enrichments) != 1 || decoded.Enrichments[0].Key != "src_ip_owner" {
		t.Errorf("enrichments not preserved: %v", decoded.Enrichments)
	}
}
