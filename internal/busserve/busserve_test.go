package busserve_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/koko/internal/busserve"
	"github.com/MrWong99/koko/internal/pipeline"
	"github.com/MrWong99/koko/pkg/audio"
	"github.com/MrWong99/koko/pkg/inference"
	"github.com/MrWong99/koko/pkg/inference/formant"
	"github.com/MrWong99/koko/pkg/phonemize"
	"github.com/MrWong99/koko/pkg/tokenize"
	"github.com/MrWong99/koko/pkg/voice"
)

// startService runs an embedded NATS server, a connected service, and a
// separate client connection.
func startService(t *testing.T) (*busserve.Service, *nats.Conn) {
	t.Helper()
	ctx := context.Background()
	log := slog.Default()

	emb, err := busserve.StartEmbedded(ctx, "127.0.0.1", -1, log)
	if err != nil {
		t.Fatalf("StartEmbedded: %v", err)
	}
	t.Cleanup(emb.Shutdown)

	svcConn, err := busserve.Connect(busserve.ConnConfig{Servers: []string{emb.URL()}, Name: "koko-test"}, log)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(svcConn.Close)

	reg, err := voice.NewRegistry([]voice.Style{{Name: "af_sky", Embedding: []float32{0.2, 0.4, 0.1, 0.3}}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tok, err := tokenize.New(tokenize.DefaultVocab())
	if err != nil {
		t.Fatalf("tokenize.New: %v", err)
	}
	p, err := pipeline.New(pipeline.Config{
		Phonemizer: phonemize.New(),
		Tokenizer:  tok,
		Voices:     reg,
		Engine:     inference.NewEngine(formant.New()),
		Encoder:    audio.NewEncoder(),
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	svc, err := busserve.New(ctx, busserve.Config{Conn: svcConn, Pipeline: p, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Close)

	client, err := nats.Connect(emb.URL())
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(client.Close)
	return svc, client
}

func request(t *testing.T, nc *nats.Conn, req any) []byte {
	t.Helper()
	data, _ := json.Marshal(req)
	msg, err := nc.Request(busserve.SubjectRequest, data, 10*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	return msg.Data
}

func TestRequestReply(t *testing.T) {
	t.Parallel()
	_, nc := startService(t)

	var reply busserve.Reply
	if err := json.Unmarshal(request(t, nc, busserve.Request{RequestID: "r1", Text: "Hello", Format: "wav"}), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Status != "completed" || reply.RequestID != "r1" || reply.SessionID == "" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.MIME != "audio/wav" || reply.SampleRate != 24000 || len(reply.Audio) <= 44 || string(reply.Audio[:4]) != "RIFF" {
		t.Errorf("audio: mime %q rate %d, %d bytes", reply.MIME, reply.SampleRate, len(reply.Audio))
	}
}

func TestRequestReply_Invalid(t *testing.T) {
	t.Parallel()
	_, nc := startService(t)
	for _, tc := range []struct {
		name string
		req  any
	}{
		{"unknown voice", busserve.Request{RequestID: "r2", Text: "hi", Voice: "af_unknown"}},
		{"bad speed", busserve.Request{RequestID: "r3", Text: "hi", Speed: 99}},
		{"not json", "just a string"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var data []byte
			if s, ok := tc.req.(string); ok {
				msg, err := nc.Request(busserve.SubjectRequest, []byte(s), 10*time.Second)
				if err != nil {
					t.Fatalf("Request: %v", err)
				}
				data = msg.Data
			} else {
				data = request(t, nc, tc.req)
			}
			var reply busserve.Reply
			if err := json.Unmarshal(data, &reply); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if reply.Status != "failed" || reply.Error == "" || len(reply.Audio) != 0 {
				t.Errorf("reply = %+v", reply)
			}
		})
	}
}

func TestStream(t *testing.T) {
	t.Parallel()
	_, nc := startService(t)

	chunks := make(chan *nats.Msg, 64)
	done := make(chan *nats.Msg, 4)
	if _, err := nc.ChanSubscribe(busserve.SubjectAudio, chunks); err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
	if _, err := nc.ChanSubscribe(busserve.SubjectDone, done); err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	req, _ := json.Marshal(busserve.Request{
		RequestID: "s1",
		Text:      "Hello world. How are you? I am fine.",
		Format:    "wav",
		Stream:    true,
	})
	if err := nc.Publish(busserve.SubjectRequest, req); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var status busserve.Status
	select {
	case msg := <-done:
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no status published")
	}
	if status.Status != "completed" || status.RequestID != "s1" || status.Error != "" {
		t.Fatalf("status = %+v", status)
	}

	// Chunks were published before the status on the same connection, so
	// they have all been delivered by now.
	var body bytes.Buffer
	for i := range status.Chunks {
		select {
		case msg := <-chunks:
			var c busserve.AudioChunk
			if err := json.Unmarshal(msg.Data, &c); err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			if c.Sequence != i || c.RequestID != "s1" || c.Format != "wav" {
				t.Errorf("chunk %d = {seq %d, id %q, format %q}", i, c.Sequence, c.RequestID, c.Format)
			}
			body.Write(c.Data)
		case <-time.After(5 * time.Second):
			t.Fatalf("chunk %d missing", i)
		}
	}
	if status.Chunks != 3 {
		t.Errorf("chunks = %d, want 3", status.Chunks)
	}
	if !bytes.HasPrefix(body.Bytes(), []byte("RIFF")) {
		t.Error("first chunk does not carry the WAV header")
	}
}

func TestStream_FailurePublishesStatus(t *testing.T) {
	t.Parallel()
	_, nc := startService(t)

	done := make(chan *nats.Msg, 4)
	if _, err := nc.ChanSubscribe(busserve.SubjectDone, done); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	req, _ := json.Marshal(busserve.Request{RequestID: "s2", Text: "hi", Voice: "af_unknown", Stream: true})
	if err := nc.Publish(busserve.SubjectRequest, req); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-done:
		var st busserve.Status
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if st.Status != "failed" || st.RequestID != "s2" || st.Chunks != 0 || st.Error == "" {
			t.Errorf("status = %+v", st)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no status published")
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	svc, _ := startService(t)
	if err := svc.Check(context.Background()); err != nil {
		t.Errorf("Check on live connection: %v", err)
	}
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()
	if _, err := busserve.New(context.Background(), busserve.Config{}); err == nil {
		t.Error("New with empty config succeeded")
	}
}
