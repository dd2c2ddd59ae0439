package fallback_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/verbano-app/verbano/pkg/transport"
	"github.com/verbano-app/verbano/pkg/transport/fallback"
)

// newBackend serves the three fallback endpoints for session "sess-7".
func newBackend(t *testing.T, greetingAudio []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /start", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("start auth header = %q", auth)
		}
		var req struct {
			ScenarioType string `json:"scenarioType"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode start: %v", err)
		}
		if req.ScenarioType != "travel" {
			t.Errorf("scenarioType = %q", req.ScenarioType)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sessionId":     "sess-7",
			"greeting":      "Willkommen!",
			"greetingAudio": greetingAudio,
		})
	})

	mux.HandleFunc("POST /sess-7/message", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text         string `json:"text"`
			IncludeAudio bool   `json:"includeAudio"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode message: %v", err)
		}
		if !req.IncludeAudio {
			t.Error("expected includeAudio=true")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"aiResponseText": "Antwort auf: " + req.Text,
			"audioPayload":   []byte{9, 9, 9},
		})
	})

	mux.HandleFunc("POST /sess-7/end", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EndReason string `json:"endReason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode end: %v", err)
		}
		if req.EndReason != "user_ended" {
			t.Errorf("endReason = %q", req.EndReason)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"summary": "gut gemacht", "totalMessages": 2, "durationSeconds": 30,
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func nextEvent(t *testing.T, sess transport.Session) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return transport.Event{}
}

func TestStart_TurnSynthesisAndEnd(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, nil)
	cfg := transport.Config{FallbackURL: srv.URL, Token: "tok"}

	sess, err := fallback.Start(context.Background(), cfg, transport.SessionParams{ScenarioType: "travel"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	if sess.SessionID() != "sess-7" {
		t.Errorf("SessionID = %q", sess.SessionID())
	}
	if sess.Greeting() != "Willkommen!" {
		t.Errorf("Greeting = %q", sess.Greeting())
	}

	// Barge-in signals are accepted and do nothing on this binding.
	if err := sess.SendSpeechStart(context.Background()); err != nil {
		t.Errorf("SendSpeechStart: %v", err)
	}
	if err := sess.SendInterrupt(context.Background()); err != nil {
		t.Errorf("SendInterrupt: %v", err)
	}

	if err := sess.SendTranscript(context.Background(), "eine Fahrkarte bitte"); err != nil {
		t.Fatalf("SendTranscript: %v", err)
	}

	if ev := nextEvent(t, sess); ev.Type != transport.EventProcessing {
		t.Fatalf("event 1 = %s, want processing", ev.Type)
	}
	ev := nextEvent(t, sess)
	if ev.Type != transport.EventAgentText || !strings.Contains(ev.Text, "eine Fahrkarte bitte") {
		t.Fatalf("event 2 = %s %q", ev.Type, ev.Text)
	}
	ev = nextEvent(t, sess)
	if ev.Type != transport.EventAudioSegment || ev.Audio == nil || !ev.Audio.Final {
		t.Fatalf("event 3 = %+v, want final audio segment", ev)
	}
	if ev := nextEvent(t, sess); ev.Type != transport.EventAudioComplete {
		t.Fatalf("event 4 = %s, want audio_complete", ev.Type)
	}

	if err := sess.End(context.Background(), "user_ended"); err != nil {
		t.Fatalf("End: %v", err)
	}
	ev = nextEvent(t, sess)
	if ev.Type != transport.EventSessionEnded || ev.Summary == nil {
		t.Fatalf("end event = %+v", ev)
	}
	if ev.Summary.Text != "gut gemacht" || ev.Summary.TotalMessages != 2 {
		t.Errorf("summary = %+v", ev.Summary)
	}

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("expected event channel to close after session end")
		}
	case <-time.After(2 * time.Second):
		t.Error("event channel did not close")
	}
}

func TestStart_GreetingAudioIsFirstSegment(t *testing.T) {
	t.Parallel()

	srv := newBackend(t, []byte{7, 7})
	cfg := transport.Config{FallbackURL: srv.URL, Token: "tok"}

	sess, err := fallback.Start(context.Background(), cfg, transport.SessionParams{ScenarioType: "travel"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Type != transport.EventAudioSegment || ev.Audio == nil || len(ev.Audio.Payload) != 2 || !ev.Audio.Final {
		t.Fatalf("first event = %+v, want final greeting audio segment", ev)
	}
	if ev := nextEvent(t, sess); ev.Type != transport.EventAudioComplete {
		t.Fatalf("second event = %s, want audio_complete", ev.Type)
	}
}

func TestStart_ServerErrorFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := fallback.Start(context.Background(), transport.Config{FallbackURL: srv.URL}, transport.SessionParams{})
	if err == nil {
		t.Fatal("expected Start to fail on 502")
	}
}

func TestSendTranscript_FailedTurnEmitsError(t *testing.T) {
	t.Parallel()

	var started bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !started {
			started = true
			json.NewEncoder(w).Encode(map[string]any{"sessionId": "sess-9", "greeting": "hi"})
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	sess, err := fallback.Start(context.Background(), transport.Config{FallbackURL: srv.URL}, transport.SessionParams{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	if err := sess.SendTranscript(context.Background(), "hello"); err != nil {
		t.Fatalf("SendTranscript: %v", err)
	}

	if ev := nextEvent(t, sess); ev.Type != transport.EventProcessing {
		t.Fatalf("event 1 = %s, want processing", ev.Type)
	}
	ev := nextEvent(t, sess)
	if ev.Type != transport.EventError || ev.Err == nil {
		t.Fatalf("event 2 = %+v, want transport error", ev)
	}
}
