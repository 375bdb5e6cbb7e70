package channel

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
)

func TestConnectMissingAPIKey(t *testing.T) {
	// Point at a bogus endpoint so an accidental dial would fail loudly.
	cfg := Config{Endpoint: "wss://127.0.0.1:1/listen"}
	_, err := Connect(context.Background(), cfg)
	if err != ErrMissingAPIKey {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestBuildURLDefaults(t *testing.T) {
	raw, err := BuildURL(Config{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != "wss" || u.Host != "api.deepgram.com" || u.Path != "/v1/listen" {
		t.Errorf("unexpected endpoint: %s", raw)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"model":           "nova-2",
		"encoding":        "linear16",
		"smart_format":    "false",
		"interim_results": "true",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if q.Has("sample_rate") || q.Has("channels") || q.Has("language") {
		t.Errorf("zero-valued params should be omitted: %s", u.RawQuery)
	}
}

func TestBuildURLExplicit(t *testing.T) {
	raw, err := BuildURL(Config{
		Model:       "nova-3",
		Language:    "en-US",
		SmartFormat: true,
		SampleRate:  16000,
		Channels:    1,
	})
	if err != nil {
		t.Fatal(err)
	}
	q, err := url.ParseQuery(strings.SplitN(raw, "?", 2)[1])
	if err != nil {
		t.Fatal(err)
	}
	for key, want := range map[string]string{
		"model":        "nova-3",
		"language":     "en-US",
		"smart_format": "true",
		"sample_rate":  "16000",
		"channels":     "1",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func decode(t *testing.T, raw string) response {
	t.Helper()
	var resp response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestMapResponseInterim(t *testing.T) {
	resp := decode(t, `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`)
	ev, ok := mapResponse(resp)
	if !ok {
		t.Fatal("expected a result event")
	}
	if ev.Type != Result || ev.Text != "hello" || ev.IsFinal {
		t.Errorf("got %+v", ev)
	}
}

func TestMapResponseFinal(t *testing.T) {
	resp := decode(t, `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" hello world "}]}}`)
	ev, ok := mapResponse(resp)
	if !ok {
		t.Fatal("expected a result event")
	}
	if !ev.IsFinal {
		t.Error("IsFinal should be true")
	}
	if ev.Text != "hello world" {
		t.Errorf("Text = %q, want trimmed transcript", ev.Text)
	}
}

func TestMapResponseSpeechFinal(t *testing.T) {
	resp := decode(t, `{"type":"Results","speech_final":true,"channel":{"alternatives":[{"transcript":"done"}]}}`)
	ev, _ := mapResponse(resp)
	if !ev.IsFinal {
		t.Error("speech_final should count as final")
	}
}

func TestMapResponseNonResult(t *testing.T) {
	for _, typ := range []string{"Metadata", "SpeechStarted", "UtteranceEnd"} {
		t.Run(typ, func(t *testing.T) {
			resp := decode(t, `{"type":"`+typ+`"}`)
			if _, ok := mapResponse(resp); ok {
				t.Errorf("%s messages should be dropped", typ)
			}
		})
	}
}

func TestMapResponseEmptyAlternatives(t *testing.T) {
	resp := decode(t, `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`)
	ev, ok := mapResponse(resp)
	if !ok {
		t.Fatal("expected a result event")
	}
	if ev.Text != "" {
		t.Errorf("Text = %q, want empty", ev.Text)
	}
}
