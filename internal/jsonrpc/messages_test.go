package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestParseAndClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Kind
	}{
		{"request with numeric id", `{"jsonrpc":"2.0","id":1,"method":"list_tabs"}`, KindRequest},
		{"request with string id", `{"jsonrpc":"2.0","id":"abc","method":"list_tabs"}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"tab_updated","params":{"url":"x"}}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":7,"result":[]}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"null id counts as absent", `{"jsonrpc":"2.0","id":null,"method":"hello"}`, KindNotification},
		{"no version field still classifies", `{"id":3,"method":"poke"}`, KindRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Parse([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := msg.Kind(); got != tc.want {
				t.Errorf("Kind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{``, `[]`, `[{"id":1}]`, `"hello"`, `42`, `not json`} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", raw)
		}
	}
}

func TestWithIDPreservesPayload(t *testing.T) {
	msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"navigate","params":{"url":"https://example.com"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	clone := msg.WithID(NewStringID("proxy-1"))

	if clone.ID.String() != "proxy-1" {
		t.Errorf("clone id = %q, want %q", clone.ID.String(), "proxy-1")
	}
	if msg.ID.String() != "1" {
		t.Errorf("original id mutated to %q", msg.ID.String())
	}
	if string(clone.Params) != string(msg.Params) {
		t.Errorf("params not carried over: %s", clone.Params)
	}

	out, err := json.Marshal(clone)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if round["id"] != "proxy-1" {
		t.Errorf("marshalled id = %v, want proxy-1", round["id"])
	}
	if round["method"] != "navigate" {
		t.Errorf("marshalled method = %v", round["method"])
	}
}

func TestRequestIDPreservesJSONType(t *testing.T) {
	var numeric RequestID
	if err := json.Unmarshal([]byte(`42`), &numeric); err != nil {
		t.Fatalf("Unmarshal numeric: %v", err)
	}
	if out, _ := json.Marshal(&numeric); string(out) != `42` {
		t.Errorf("numeric id round-tripped to %s", out)
	}

	var str RequestID
	if err := json.Unmarshal([]byte(`"42"`), &str); err != nil {
		t.Fatalf("Unmarshal string: %v", err)
	}
	if out, _ := json.Marshal(&str); string(out) != `"42"` {
		t.Errorf("string id round-tripped to %s", out)
	}
}
