package orchestrator

import (
	"encoding/json"
	"errors"
	"testing"
)

const testSessionTag = "INCONNU~XD~"

func TestParseParamsDefaults(t *testing.T) {
	raw := json.RawMessage(`{"SESSION_ID": "INCONNU~XD~abc123"}`)

	params, err := ParseParams(raw, testSessionTag)
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}

	if params.Prefix != "." {
		t.Errorf("Prefix = %q, want \".\"", params.Prefix)
	}
	if params.Mode != "public" {
		t.Errorf("Mode = %q, want public", params.Mode)
	}
	if params.OwnerName != "INCONNU USER" {
		t.Errorf("OwnerName = %q, want INCONNU USER", params.OwnerName)
	}
	if params.BotName != "INCONNU XD V2" {
		t.Errorf("BotName = %q, want INCONNU XD V2", params.BotName)
	}
	if params.AutoStatusSeen == nil || !*params.AutoStatusSeen {
		t.Error("AutoStatusSeen should default to true")
	}
	if params.AutoRead || params.AutoReact || params.Antilink {
		t.Error("boolean toggles should default to false")
	}
}

func TestParseParamsExplicitValuesKept(t *testing.T) {
	raw := json.RawMessage(`{
		"SESSION_ID": "INCONNU~XD~abc123",
		"PREFIX": "!",
		"MODE": "private",
		"AUTO_STATUS_SEEN": false,
		"ANTILINK": true
	}`)

	params, err := ParseParams(raw, testSessionTag)
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	if params.Prefix != "!" {
		t.Errorf("Prefix = %q, want !", params.Prefix)
	}
	if params.Mode != "private" {
		t.Errorf("Mode = %q, want private", params.Mode)
	}
	if params.AutoStatusSeen == nil || *params.AutoStatusSeen {
		t.Error("explicit AUTO_STATUS_SEEN=false must survive defaulting")
	}
	if !params.Antilink {
		t.Error("ANTILINK = false, want true")
	}
}

func TestParseParamsRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty body", ``},
		{"not json", `{`},
		{"not an object", `"SESSION_ID"`},
		{"missing session id", `{"PREFIX": "."}`},
		{"session id wrong type", `{"SESSION_ID": 42}`},
		{"unknown key", `{"SESSION_ID": "INCONNU~XD~a", "EVIL": true}`},
		{"bad mode", `{"SESSION_ID": "INCONNU~XD~a", "MODE": "hybrid"}`},
		{"untagged session", `{"SESSION_ID": "someother~session"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseParams(json.RawMessage(tt.raw), testSessionTag)
			if !errors.Is(err, ErrInvalidParameters) {
				t.Errorf("err = %v, want ErrInvalidParameters", err)
			}
		})
	}
}

func TestParamsEnv(t *testing.T) {
	raw := json.RawMessage(`{"SESSION_ID": "INCONNU~XD~abc123", "OWNER_NUMBER": "123456"}`)
	params, err := ParseParams(raw, testSessionTag)
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}

	env := params.Env()
	if env["SESSION_ID"] != "INCONNU~XD~abc123" {
		t.Errorf("SESSION_ID = %q", env["SESSION_ID"])
	}
	if env["OWNER_NUMBER"] != "123456" {
		t.Errorf("OWNER_NUMBER = %q", env["OWNER_NUMBER"])
	}
	if env["AUTO_STATUS_SEEN"] != "true" {
		t.Errorf("AUTO_STATUS_SEEN = %q, want true", env["AUTO_STATUS_SEEN"])
	}
	if env["AUTO_READ"] != "false" {
		t.Errorf("AUTO_READ = %q, want false", env["AUTO_READ"])
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"SESSION_ID": "INCONNU~XD~abc123", "PREFIX": "!"}`)
	params, err := ParseParams(raw, testSessionTag)
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}

	encoded, err := params.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(encoded), &m); err != nil {
		t.Fatalf("encoded parameters are not valid JSON: %v", err)
	}
	if m["SESSION_ID"] != "INCONNU~XD~abc123" {
		t.Errorf("SESSION_ID = %v", m["SESSION_ID"])
	}
	if m["PREFIX"] != "!" {
		t.Errorf("PREFIX = %v", m["PREFIX"])
	}
}
