package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/koko/internal/observe"
	"github.com/MrWong99/koko/internal/pipeline"
	"github.com/MrWong99/koko/internal/session"
)

// wsRequestTimeout bounds the wait for the client's request message.
const wsRequestTimeout = 10 * time.Second

// wsStatus is the final text frame of a WebSocket synthesis.
type wsStatus struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Chunks    int    `json:"chunks"`
	Error     string `json:"error,omitempty"`
}

// handleSpeechWS serves one synthesis per connection. The client sends a
// single JSON request in the shape of POST /v1/audio/speech; the server
// answers with one binary frame per encoded chunk followed by a [wsStatus]
// text frame, then closes. Closing the socket early cancels the session.
func (s *Server) handleSpeechWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		observe.Logger(r.Context()).Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	status := s.serveWS(r.Context(), conn)
	s.metrics.RecordRequest(r.Context(), "ws", status)
}

func (s *Server) serveWS(ctx context.Context, conn *websocket.Conn) string {
	log := observe.Logger(ctx)

	readCtx, cancel := context.WithTimeout(ctx, wsRequestTimeout)
	var body speechRequest
	err := wsjson.Read(readCtx, conn, &body)
	cancel()
	if err != nil {
		log.Debug("websocket request read failed", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "expected a JSON synthesis request")
		return "invalid"
	}

	req, err := pipeline.NewRequest(body.params())
	if err != nil {
		s.finishWS(ctx, conn, wsStatus{Status: session.PhaseFailed.String(), Error: err.Error()})
		return "invalid"
	}
	release, ok := s.admit()
	if !ok {
		s.finishWS(ctx, conn, wsStatus{Status: session.PhaseFailed.String(), Error: "server is at capacity, retry later"})
		return "rejected"
	}
	defer release()

	spanCtx, span := observe.StartSynthesisSpan(ctx, "ws", req.Voice(), string(req.Format()))

	// The client sends nothing after its request; CloseRead cancels
	// streamCtx when the peer goes away.
	streamCtx := conn.CloseRead(spanCtx)
	fw := &frameWriter{ctx: streamCtx, conn: conn}
	sess, err := s.pipe.Stream(streamCtx, req, fw)
	observe.EndSpan(span, err)

	st := wsStatus{Status: session.PhaseCompleted.String(), Chunks: fw.frames}
	if sess != nil {
		st.SessionID = sess.ID()
		st.Status = sess.Phase().String()
	}
	if err != nil {
		if sess == nil {
			st.Status = session.PhaseFailed.String()
		}
		st.Error = err.Error()
		if errors.Is(err, context.Canceled) {
			log.Info("websocket stream cancelled", "chunks", fw.frames)
			return "cancelled"
		}
		log.Warn("websocket stream failed", "err", err, "chunks", fw.frames)
	}
	s.finishWS(ctx, conn, st)
	return requestStatus(err)
}

// finishWS sends the status frame and closes the connection normally.
func (s *Server) finishWS(ctx context.Context, conn *websocket.Conn, st wsStatus) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, st); err != nil {
		s.log.Debug("websocket status write failed", "err", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, st.Status)
}

// frameWriter sends every Write as one binary message.
type frameWriter struct {
	ctx    context.Context
	conn   *websocket.Conn
	frames int
}

func (f *frameWriter) Write(p []byte) (int, error) {
	if err := f.conn.Write(f.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	f.frames++
	return len(p), nil
}
