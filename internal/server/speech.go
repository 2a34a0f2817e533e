package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/koko/internal/observe"
	"github.com/MrWong99/koko/internal/pipeline"
	"github.com/MrWong99/koko/internal/session"
	"github.com/MrWong99/koko/pkg/audio"
	"github.com/MrWong99/koko/pkg/inference"
	"github.com/MrWong99/koko/pkg/voice"
)

// trailerError carries a failure that happened after a streamed response
// had already started.
const trailerError = "X-Synthesis-Error"

// speechRequest is the body of POST /v1/audio/speech and the first message
// of the WebSocket endpoint.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
	ReturnAudio    *bool   `json:"return_audio"`
	Stream         bool    `json:"stream"`
	Language       string  `json:"language"`
	JSON           bool    `json:"json"`
}

func (r *speechRequest) params() pipeline.Params {
	return pipeline.Params{
		Input:    r.Input,
		Voice:    r.Voice,
		Speed:    r.Speed,
		Format:   r.ResponseFormat,
		Stream:   r.Stream,
		Language: r.Language,
	}
}

func (r *speechRequest) returnAudio() bool { return r.ReturnAudio == nil || *r.ReturnAudio }

// speechResponse is the JSON wrapper for non-raw responses.
type speechResponse struct {
	Status     string  `json:"status"`
	Audio      string  `json:"audio,omitempty"`
	FilePath   string  `json:"file_path,omitempty"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Duration   float64 `json:"duration_seconds"`
	SessionID  string  `json:"session_id"`
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var body speechRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&body); err != nil {
		s.metrics.RecordRequest(r.Context(), "http", "invalid")
		writeError(w, http.StatusBadRequest, apiErrorBody{
			Message: "invalid request body: " + err.Error(),
			Type:    "invalid_request_error",
		})
		return
	}
	req, err := pipeline.NewRequest(body.params())
	if err != nil {
		s.metrics.RecordRequest(r.Context(), "http", "invalid")
		s.fail(w, r, err)
		return
	}

	release, ok := s.admit()
	if !ok {
		s.metrics.RecordRequest(r.Context(), "http", "rejected")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, apiErrorBody{
			Message: "server is at capacity, retry later",
			Type:    "overloaded_error",
		})
		return
	}
	defer release()

	ctx, span := observe.StartSynthesisSpan(r.Context(), "http", req.Voice(), string(req.Format()))
	r = r.WithContext(ctx)

	if req.Streaming() {
		err = s.streamSpeech(w, r, req)
	} else {
		err = s.synthesizeSpeech(w, r, req, &body)
	}
	observe.EndSpan(span, err)
	s.metrics.RecordRequest(ctx, "http", requestStatus(err))
}

// synthesizeSpeech answers with the complete audio in one of three shapes:
// raw bytes, a JSON wrapper with base64 audio, or a JSON wrapper naming a
// file written to the output directory.
func (s *Server) synthesizeSpeech(w http.ResponseWriter, r *http.Request, req pipeline.Request, body *speechRequest) error {
	res, err := s.pipe.Synthesize(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return err
	}
	w.Header().Set("X-Session-ID", res.SessionID)

	wrapped := body.JSON || r.URL.Query().Get("format") == "json"
	switch {
	case !body.returnAudio():
		path, err := res.Save(s.outputDir)
		if err != nil {
			observe.Logger(r.Context()).Error("write output file", "err", err)
			writeError(w, http.StatusInternalServerError, apiErrorBody{
				Message: "could not store audio",
				Type:    "server_error",
			})
			return err
		}
		writeJSON(w, http.StatusOK, newSpeechResponse(res, "", path))
	case wrapped:
		writeJSON(w, http.StatusOK, newSpeechResponse(res, base64.StdEncoding.EncodeToString(res.Audio), ""))
	default:
		w.Header().Set("Content-Type", res.MIME)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Audio)
	}
	return nil
}

func newSpeechResponse(res *pipeline.Result, b64, path string) speechResponse {
	return speechResponse{
		Status:     "success",
		Audio:      b64,
		FilePath:   path,
		Format:     string(res.Format),
		SampleRate: res.SampleRate,
		Duration:   res.Duration().Seconds(),
		SessionID:  res.SessionID,
	}
}

// streamSpeech sends each encoded chunk as soon as it is produced using
// chunked transfer encoding. Failures before the first byte get a regular
// error response; later failures are reported in the X-Synthesis-Error
// trailer.
func (s *Server) streamSpeech(w http.ResponseWriter, r *http.Request, req pipeline.Request) error {
	h := w.Header()
	h.Set("Content-Type", req.Format().MIME())
	h.Set("Trailer", trailerError)
	h.Set("X-Content-Type-Options", "nosniff")

	fw := &flushWriter{w: w, rc: http.NewResponseController(w)}
	sess, err := s.pipe.Stream(r.Context(), req, fw)
	if err == nil {
		if !fw.started {
			// Formats without a header produce no bytes for empty input.
			w.WriteHeader(http.StatusOK)
		}
		return nil
	}

	log := observe.Logger(r.Context())
	if sess != nil {
		log = log.With("session_id", sess.ID(), "phase", sess.Phase().String())
	}
	if !fw.started {
		h.Del("Trailer")
		h.Del("X-Content-Type-Options")
		s.fail(w, r, err)
		return err
	}
	if errors.Is(err, context.Canceled) {
		log.Info("stream cancelled by client", "chunks", fw.writes)
		return err
	}
	log.Warn("stream failed after partial output", "err", err, "chunks", fw.writes)
	h.Set(trailerError, err.Error())
	return err
}

// flushWriter flushes the response after every chunk.
type flushWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	writes  int
}

func (f *flushWriter) Write(p []byte) (int, error) {
	f.started = true
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	f.writes++
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

// fail writes the error response for err.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == 0 {
		return
	}
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("synthesis failed", "err", err)
	}
	writeError(w, status, body)
}

// classify maps a pipeline error to an HTTP status and error body. A zero
// status means the client is gone and nothing should be written.
func classify(err error) (int, apiErrorBody) {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, apiErrorBody{
			Message: verr.Error(),
			Type:    "invalid_request_error",
			Param:   verr.Field,
		}
	case errors.Is(err, voice.ErrInvalidMix), errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest, apiErrorBody{Message: err.Error(), Type: "invalid_request_error"}
	case errors.Is(err, voice.ErrUnknownVoice):
		return http.StatusBadRequest, apiErrorBody{
			Message: err.Error(),
			Type:    "invalid_request_error",
			Param:   "voice",
			Code:    "unknown_voice",
		}
	case errors.Is(err, context.Canceled):
		return 0, apiErrorBody{}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, apiErrorBody{Message: "synthesis timed out", Type: "timeout_error"}
	case errors.Is(err, inference.ErrModelFailure):
		return http.StatusInternalServerError, apiErrorBody{Message: "model inference failed", Type: "server_error", Code: "model_failure"}
	case errors.Is(err, audio.ErrEncodeFailure):
		return http.StatusInternalServerError, apiErrorBody{Message: "audio encoding failed", Type: "server_error", Code: "encode_failure"}
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, apiErrorBody{Message: "server is shutting down", Type: "overloaded_error"}
	}
	return http.StatusInternalServerError, apiErrorBody{Message: "internal error", Type: "server_error"}
}

// requestStatus is the metric label for a finished request.
func requestStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	status, _ := classify(err)
	if status == http.StatusBadRequest {
		return "invalid"
	}
	return "error"
}

func writeError(w http.ResponseWriter, status int, body apiErrorBody) {
	writeJSON(w, status, apiError{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
