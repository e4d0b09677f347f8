package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicegate/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// fakeLive is a minimal in-process BidiGenerateContent endpoint. It completes
// the setup handshake and then hands the connection to a per-test script.
type fakeLive struct {
	t      *testing.T
	script func(ctx context.Context, c *websocket.Conn)

	mu    sync.Mutex
	setup map[string]any
}

func (f *fakeLive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.t.Errorf("accept: %v", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()

	var setup map[string]any
	if err := readJSON(ctx, c, &setup); err != nil {
		f.t.Errorf("read setup: %v", err)
		return
	}
	f.mu.Lock()
	f.setup = setup
	f.mu.Unlock()

	if err := writeJSON(ctx, c, map[string]any{"setupComplete": map[string]any{}}); err != nil {
		f.t.Errorf("write setupComplete: %v", err)
		return
	}

	if f.script != nil {
		f.script(ctx, c)
	}
	<-ctx.Done()
}

func (f *fakeLive) setupMessage() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setup
}

func readJSON(ctx context.Context, c *websocket.Conn, v any) error {
	_, data, err := c.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(ctx context.Context, c *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func connectTo(t *testing.T, fake *fakeLive, cfg s2s.SessionConfig) (*fakeLive, s2s.SessionHandle) {
	t.Helper()
	fake.t = t

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := New("test-key", WithBaseURL(wsURL))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	sess, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return fake, sess
}

func TestSetupDisablesRemoteDetection(t *testing.T) {
	fake, _ := connectTo(t, &fakeLive{}, s2s.SessionConfig{
		Voice:         "Puck",
		Instructions:  "be brief",
		Transcription: true,
	})

	setup, ok := fake.setupMessage()["setup"].(map[string]any)
	if !ok {
		t.Fatalf("first client message is not a setup envelope: %v", fake.setupMessage())
	}
	ric, ok := setup["realtimeInputConfig"].(map[string]any)
	if !ok {
		t.Fatal("setup lacks realtimeInputConfig")
	}
	aad, ok := ric["automaticActivityDetection"].(map[string]any)
	if !ok || aad["disabled"] != true {
		t.Errorf("automaticActivityDetection = %v, want disabled:true", ric["automaticActivityDetection"])
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Error("setup lacks inputAudioTranscription despite Transcription:true")
	}
	if !strings.HasPrefix(setup["model"].(string), "models/") {
		t.Errorf("model = %v, want models/ prefix", setup["model"])
	}
}

func TestCapabilities(t *testing.T) {
	caps := New("k").Capabilities()
	if caps.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", caps.SampleRate)
	}
	if caps.MaxSessionDuration != 25*time.Minute {
		t.Errorf("MaxSessionDuration = %v, want 25m", caps.MaxSessionDuration)
	}
	if caps.MinTurnBytes != 3200 {
		t.Errorf("MinTurnBytes = %d, want 3200", caps.MinTurnBytes)
	}
}

func TestConnectFailsWithoutSetupComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := New("k", WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if _, err := p.Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect succeeded without setupComplete")
	}
}

func TestActivityMarkersAroundAudio(t *testing.T) {
	envelopes := make(chan map[string]any, 8)
	fake := &fakeLive{script: func(ctx context.Context, c *websocket.Conn) {
		for {
			var msg map[string]any
			if err := readJSON(ctx, c, &msg); err != nil {
				return
			}
			envelopes <- msg
		}
	}}
	_, sess := connectTo(t, fake, s2s.SessionConfig{})

	if err := sess.StartTurn(); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := sess.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.EndTurn(); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}

	next := func() map[string]any {
		select {
		case m := <-envelopes:
			ri, ok := m["realtimeInput"].(map[string]any)
			if !ok {
				t.Fatalf("not a realtimeInput envelope: %v", m)
			}
			return ri
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for envelope")
			return nil
		}
	}

	if ri := next(); ri["activityStart"] == nil {
		t.Errorf("first envelope lacks activityStart: %v", ri)
	}
	ri := next()
	audio, ok := ri["audio"].(map[string]any)
	if !ok {
		t.Fatalf("second envelope lacks audio blob: %v", ri)
	}
	if audio["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %v, want audio/pcm;rate=16000", audio["mimeType"])
	}
	if audio["data"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
		t.Errorf("audio data = %v, not the sent chunk", audio["data"])
	}
	if ri := next(); ri["activityEnd"] == nil {
		t.Errorf("third envelope lacks activityEnd: %v", ri)
	}
}

func TestReceivesModelAudioAndTranscripts(t *testing.T) {
	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	fake := &fakeLive{script: func(ctx context.Context, c *websocket.Conn) {
		writeJSON(ctx, c, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
				"inputTranscription": map[string]any{"text": "hello"},
			},
		})
		writeJSON(ctx, c, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
	}}
	_, sess := connectTo(t, fake, s2s.SessionConfig{})

	select {
	case got := <-sess.Audio():
		if string(got) != string(pcm) {
			t.Errorf("audio = %v, want %v", got, pcm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for model audio")
	}

	select {
	case entry := <-sess.Transcripts():
		if entry.Role != s2s.RoleUser || entry.Text != "hello" || !entry.Final {
			t.Errorf("transcript = %+v, want final user 'hello'", entry)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sess.Events():
			if ev.Type == s2s.EventResponseDone {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for turn completion event")
		}
	}
}

func TestInterruptedEvent(t *testing.T) {
	fake := &fakeLive{script: func(ctx context.Context, c *websocket.Conn) {
		writeJSON(ctx, c, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})
	}}
	_, sess := connectTo(t, fake, s2s.SessionConfig{})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sess.Events():
			if ev.Type == s2s.EventResponseInterrupted {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for interruption event")
		}
	}
}

func TestAbortTurnIsSilent(t *testing.T) {
	envelopes := make(chan map[string]any, 8)
	fake := &fakeLive{script: func(ctx context.Context, c *websocket.Conn) {
		for {
			var msg map[string]any
			if err := readJSON(ctx, c, &msg); err != nil {
				return
			}
			envelopes <- msg
		}
	}}
	_, sess := connectTo(t, fake, s2s.SessionConfig{})

	if err := sess.AbortTurn(); err != nil {
		t.Fatalf("AbortTurn: %v", err)
	}

	select {
	case m := <-envelopes:
		t.Fatalf("AbortTurn produced traffic: %v", m)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, sess := connectTo(t, &fakeLive{}, s2s.SessionConfig{})

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{1}); err != s2s.ErrSessionClosed {
		t.Errorf("SendAudio after close = %v, want ErrSessionClosed", err)
	}
}
