package protocol

import (
	"encoding/json"
	"testing"

	"github.com/meetkit/live-transcription/internal/types"
)

func TestParseClientMessageStart(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"start","language":"en"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != TypeStart || msg.Language != "en" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestParseClientMessageMark(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"mark","timestampMs":10000}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.TimestampMs != 10000 {
		t.Errorf("timestampMs = %d, want 10000", msg.TimestampMs)
	}
}

func TestParseClientMessageRejectsGarbage(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"reboot"}`,
		`{"type":""}`,
		`{"type":"mark","timestampMs":-5}`,
	}
	for _, c := range cases {
		if _, err := ParseClientMessage([]byte(c)); err == nil {
			t.Errorf("ParseClientMessage(%q) accepted", c)
		}
	}
}

func TestServerMessageOmitsEmptyFields(t *testing.T) {
	data := ServerMessage{Type: TypeStopped, SessionID: "s1"}.Encode()

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"segments", "mark", "code", "message"} {
		if _, ok := raw[key]; ok {
			t.Errorf("stopped message should omit %q", key)
		}
	}
}

func TestErrorMessageCarriesCode(t *testing.T) {
	data := ErrorMessage(types.ReasonProviderUnavailable, "no credential").Encode()

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != TypeError || msg.Code != types.ReasonProviderUnavailable {
		t.Errorf("msg = %+v", msg)
	}
}
