package dial_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/verbano-app/verbano/pkg/transport"
	"github.com/verbano-app/verbano/pkg/transport/dial"
)

func TestConnect_PrefersStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		// auth → authenticated → start_session → session_started
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		env, _ := transport.NewEnvelope(transport.MsgAuthenticated, nil)
		data, _ := json.Marshal(env)
		c.Write(ctx, websocket.MessageText, data)

		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		env, _ = transport.NewEnvelope(transport.MsgSessionStarted, transport.SessionStartedPayload{SessionID: "s-1", Greeting: "hi"})
		data, _ = json.Marshal(env)
		c.Write(ctx, websocket.MessageText, data)
		<-ctx.Done()
	}))
	t.Cleanup(srv.Close)

	sess, binding, err := dial.Connect(context.Background(), transport.Config{
		StreamURL:   srv.URL,
		FallbackURL: "http://127.0.0.1:1", // must never be touched
		Token:       "tok",
	}, transport.SessionParams{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if binding != dial.BindingStream {
		t.Errorf("binding = %s, want stream", binding)
	}
	if sess.SessionID() != "s-1" {
		t.Errorf("SessionID = %q", sess.SessionID())
	}
}

func TestConnect_FallsBackWhenStreamRefused(t *testing.T) {
	t.Parallel()

	fb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sessionId": "fb-1", "greeting": "hello"})
	}))
	t.Cleanup(fb.Close)

	sess, binding, err := dial.Connect(context.Background(), transport.Config{
		StreamURL:      "ws://127.0.0.1:1", // connection refused
		FallbackURL:    fb.URL,
		Token:          "tok",
		ConnectTimeout: time.Second,
	}, transport.SessionParams{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if binding != dial.BindingFallback {
		t.Errorf("binding = %s, want fallback", binding)
	}
	if sess.SessionID() != "fb-1" {
		t.Errorf("SessionID = %q, want a valid fallback session id", sess.SessionID())
	}
}

func TestConnect_FallsBackWhenHandshakeStalls(t *testing.T) {
	t.Parallel()

	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		<-r.Context().Done() // never answer auth
	}))
	t.Cleanup(stalled.Close)

	fb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sessionId": "fb-2", "greeting": "hello"})
	}))
	t.Cleanup(fb.Close)

	sess, binding, err := dial.Connect(context.Background(), transport.Config{
		StreamURL:      stalled.URL,
		FallbackURL:    fb.URL,
		Token:          "tok",
		ConnectTimeout: 100 * time.Millisecond,
	}, transport.SessionParams{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if binding != dial.BindingFallback {
		t.Errorf("binding = %s, want fallback", binding)
	}
}

func TestConnect_BothBindingsFailing(t *testing.T) {
	t.Parallel()

	_, _, err := dial.Connect(context.Background(), transport.Config{
		StreamURL:      "ws://127.0.0.1:1",
		FallbackURL:    "http://127.0.0.1:1",
		Token:          "tok",
		ConnectTimeout: time.Second,
	}, transport.SessionParams{})
	if err == nil {
		t.Fatal("expected error when both bindings fail")
	}
}
