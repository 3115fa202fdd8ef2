package transcribe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"
	"github.com/meetkit/meetbot/pkg/ai"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// gladiaStub is a minimal provider stand-in: an HTTP endpoint handing out
// session ids plus a websocket that echoes audio chunks as transcripts.
type gladiaStub struct {
	t        *testing.T
	upgrader websocket.Upgrader
	received chan string // decoded audio payloads
	control  chan string // control message types (stop_recording)
}

func newGladiaStub(t *testing.T) (*gladiaStub, *httptest.Server) {
	stub := &gladiaStub{
		t:        t,
		received: make(chan string, 16),
		control:  make(chan string, 16),
	}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)

	mux.HandleFunc("/v2/live", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-gladia-key") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"session-abc","url":%q}`, wsURL)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := stub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
				Data struct {
					Chunk string `json:"chunk"`
				} `json:"data"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "audio_chunk":
				decoded, _ := base64.StdEncoding.DecodeString(msg.Data.Chunk)
				stub.received <- string(decoded)
				reply, _ := json.Marshal(map[string]any{
					"type": "transcript",
					"data": map[string]any{
						"utterance": map[string]any{"text": "transcribed: " + string(decoded)},
						"is_final":  true,
					},
				})
				conn.WriteMessage(websocket.TextMessage, reply)
			case "stop_recording":
				stub.control <- msg.Type
				return
			}
		}
	})

	return stub, srv
}

func TestNewGladia_RequiresAPIKey(t *testing.T) {
	is := is.New(t)

	_, err := NewGladia(GladiaConfig{}, slog.Default())
	is.True(err != nil)

	g, err := NewGladia(GladiaConfig{APIKey: "k"}, slog.Default())
	is.NoErr(err)
	is.Equal(g.baseURL, defaultGladiaURL)
}

func TestGladia_SessionRoundTrip(t *testing.T) {
	is := is.New(t)

	stub, srv := newGladiaStub(t)
	defer srv.Close()

	g, err := NewGladia(GladiaConfig{APIKey: "k", BaseURL: srv.URL}, slog.Default())
	is.NoErr(err)

	session, err := g.Open(context.Background(), StreamConfig{SampleRate: 16000, BitDepth: 16, Channels: 1})
	is.NoErr(err)
	is.Equal(session.ID(), "session-abc")

	is.NoErr(session.Send(context.Background(), []byte("pcm-audio")))

	select {
	case got := <-stub.received:
		is.Equal(got, "pcm-audio") // audio arrives base64-decoded at the provider
	case <-time.After(2 * time.Second):
		t.Fatal("provider never received the audio chunk")
	}

	select {
	case ev := <-session.Events():
		is.NoErr(ev.Err)
		is.Equal(ev.Text, "transcribed: pcm-audio")
		is.True(ev.IsFinal)
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript event received")
	}

	is.NoErr(session.Close(context.Background()))
	select {
	case msg := <-stub.control:
		is.Equal(msg, "stop_recording") // graceful end-of-stream was signaled
	case <-time.After(2 * time.Second):
		t.Fatal("provider never received stop_recording")
	}
}

func TestGladia_OpenAuthFailureIsFatal(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	g, err := NewGladia(GladiaConfig{APIKey: "bad"}, slog.Default())
	is.NoErr(err)
	g.baseURL = srv.URL

	_, err = g.Open(context.Background(), StreamConfig{SampleRate: 16000})
	is.True(ai.IsFatal(err))
}

func TestGladia_OpenServerErrorIsRecoverable(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g, err := NewGladia(GladiaConfig{APIKey: "k", BaseURL: srv.URL}, slog.Default())
	is.NoErr(err)

	_, err = g.Open(context.Background(), StreamConfig{SampleRate: 16000})
	is.True(ai.IsRecoverable(err))
}

func TestGladia_CloseUnblocksUndrainedListener(t *testing.T) {
	is := is.New(t)

	var upgrader websocket.Upgrader
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v2/live", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"session-flood","url":%q}`, wsURL)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// Flood transcripts without waiting for audio.
		reply, _ := json.Marshal(map[string]any{
			"type": "transcript",
			"data": map[string]any{
				"utterance": map[string]any{"text": "flood"},
				"is_final":  true,
			},
		})
		for i := 0; i < 64; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	g, err := NewGladia(GladiaConfig{APIKey: "k", BaseURL: srv.URL}, slog.Default())
	is.NoErr(err)

	session, err := g.Open(context.Background(), StreamConfig{SampleRate: 16000, BitDepth: 16, Channels: 1})
	is.NoErr(err)
	gs := session.(*gladiaSession)

	// Nobody drains Events. Once the buffer is full the listener is
	// parked on its next send.
	waitFor(t, func() bool { return len(gs.events) == cap(gs.events) }, "event buffer never filled")

	// Close must still release the listener goroutine.
	is.NoErr(session.Close(context.Background()))
	select {
	case <-gs.done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener still blocked after close")
	}
}

func TestGladia_SendAfterClose(t *testing.T) {
	is := is.New(t)

	stub, srv := newGladiaStub(t)
	defer srv.Close()
	_ = stub

	g, err := NewGladia(GladiaConfig{APIKey: "k", BaseURL: srv.URL}, slog.Default())
	is.NoErr(err)

	session, err := g.Open(context.Background(), StreamConfig{SampleRate: 16000, BitDepth: 16, Channels: 1})
	is.NoErr(err)
	is.NoErr(session.Close(context.Background()))

	err = session.Send(context.Background(), []byte("late"))
	is.True(err != nil) // closed session rejects audio
}
