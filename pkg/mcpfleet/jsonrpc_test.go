package mcpfleet

import (
	"strings"
	"testing"
)

func TestMessageClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		raw  string
		want messageKind
	}{
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{}}`, kindResponse},
		{"error response", `{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"x"}}`, kindResponse},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, kindNotification},
		{"server request", `{"jsonrpc":"2.0","id":3,"method":"ping"}`, kindServerRequest},
		{"empty object", `{}`, kindInvalid},
	}
	for _, tc := range cases {
		msg, err := parseMessage([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.name, err)
		}
		if got := msg.kind(); got != tc.want {
			t.Errorf("%s: kind = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseMessageRejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	if _, err := parseMessage([]byte(`{not json`)); err == nil {
		t.Fatal("invalid JSON parsed without error")
	}
}

func TestRPCErrorMessage(t *testing.T) {
	t.Parallel()
	err := &RPCError{Code: -32601, Message: "method not found"}
	if !strings.Contains(err.Error(), "-32601") || !strings.Contains(err.Error(), "method not found") {
		t.Fatalf("error string = %q", err.Error())
	}
}
