// Package mcpserve exposes the synthesis pipeline as Model Context Protocol
// tools, so that an MCP host (an editor, an agent runtime) can speak text
// through koko over stdio.
//
// Tools:
//
//   - synthesize_speech: text in, audio content plus the saved file path out
//   - list_voices: the voice registry
//   - phonemize: phoneme string and token IDs for a text, for debugging
package mcpserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/koko/internal/observe"
	"github.com/MrWong99/koko/internal/pipeline"
	"github.com/MrWong99/koko/pkg/phonemize"
)

// Config configures a [Server].
type Config struct {
	Pipeline *pipeline.Pipeline

	// OutputDir receives the synthesized files. Default: "tmp".
	OutputDir string

	// Name and Version identify the server to MCP clients.
	Name    string
	Version string

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server is an MCP tool server backed by a pipeline.
type Server struct {
	cfg Config
	mcp *sdk.Server
}

// New returns a server with all tools registered.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("mcpserve: pipeline is required")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "tmp"
	}
	if cfg.Name == "" {
		cfg.Name = "koko"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg}
	s.mcp = sdk.NewServer(&sdk.Implementation{Name: cfg.Name, Version: cfg.Version}, nil)
	s.registerTools()
	return s, nil
}

// Run serves over stdin/stdout until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, &sdk.StdioTransport{})
}

// Serve serves one client over t.
func (s *Server) Serve(ctx context.Context, t sdk.Transport) error {
	if err := s.mcp.Run(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcpserve: %w", err)
	}
	return nil
}

// Connect starts a session over t and returns without blocking.
func (s *Server) Connect(ctx context.Context, t sdk.Transport) (*sdk.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "synthesize_speech",
		Description: "Convert text to speech. Returns the audio and the path of the saved file.",
	}, s.handleSynthesize)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_voices",
		Description: "List the available voices and their languages.",
	}, s.handleListVoices)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "phonemize",
		Description: "Show the phonemes and token IDs koko would synthesize for a text.",
	}, s.handlePhonemize)
}

// ---- tool arguments ----

// SynthesizeArgs are the arguments of synthesize_speech.
type SynthesizeArgs struct {
	Text     string  `json:"text" jsonschema:"the text to speak"`
	Voice    string  `json:"voice,omitempty" jsonschema:"voice name or mix such as af_sky.4+af_nicole.6"`
	Speed    float64 `json:"speed,omitempty" jsonschema:"speaking rate between 0.25 and 4"`
	Format   string  `json:"format,omitempty" jsonschema:"mp3, wav, opus or pcm"`
	Language string  `json:"language,omitempty" jsonschema:"phonemizer language such as en-us"`
}

// ListVoicesArgs are the (empty) arguments of list_voices.
type ListVoicesArgs struct{}

// PhonemizeArgs are the arguments of phonemize.
type PhonemizeArgs struct {
	Text     string `json:"text" jsonschema:"the text to convert"`
	Language string `json:"language,omitempty" jsonschema:"phonemizer language; default en-us"`
}

// ---- handlers ----

func (s *Server) handleSynthesize(ctx context.Context, _ *sdk.CallToolRequest, args SynthesizeArgs) (*sdk.CallToolResult, any, error) {
	req, err := pipeline.NewRequest(pipeline.Params{
		Input:    args.Text,
		Voice:    args.Voice,
		Speed:    args.Speed,
		Format:   args.Format,
		Language: args.Language,
	})
	if err != nil {
		s.cfg.Metrics.RecordRequest(ctx, "mcp", "invalid")
		return nil, nil, err
	}

	ctx, span := observe.StartSynthesisSpan(ctx, "mcp", req.Voice(), string(req.Format()))
	res, err := s.cfg.Pipeline.Synthesize(ctx, req)
	observe.EndSpan(span, err)
	if err != nil {
		s.cfg.Metrics.RecordRequest(ctx, "mcp", "error")
		return nil, nil, err
	}
	path, err := res.Save(s.cfg.OutputDir)
	if err != nil {
		s.cfg.Metrics.RecordRequest(ctx, "mcp", "error")
		return nil, nil, err
	}
	s.cfg.Metrics.RecordRequest(ctx, "mcp", "ok")
	s.cfg.Logger.Info("mcp synthesis complete",
		"session_id", res.SessionID,
		"voice", req.Voice(),
		"format", string(res.Format),
		"file", path,
	)

	return &sdk.CallToolResult{
		Content: []sdk.Content{
			&sdk.AudioContent{Data: res.Audio, MIMEType: res.MIME},
			&sdk.TextContent{Text: fmt.Sprintf("Saved %.2fs of %s audio (voice %s) to %s",
				res.Duration().Seconds(), res.Format, req.Voice(), path)},
		},
	}, nil, nil
}

func (s *Server) handleListVoices(_ context.Context, _ *sdk.CallToolRequest, _ ListVoicesArgs) (*sdk.CallToolResult, any, error) {
	reg := s.cfg.Pipeline.Voices()
	var b strings.Builder
	fmt.Fprintf(&b, "%d voices:\n", reg.Len())
	for _, name := range reg.Names() {
		st, _ := reg.Lookup(name)
		fmt.Fprintf(&b, "- %s (%s)\n", name, st.Language)
	}
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: b.String()}},
	}, nil, nil
}

func (s *Server) handlePhonemize(_ context.Context, _ *sdk.CallToolRequest, args PhonemizeArgs) (*sdk.CallToolResult, any, error) {
	lang := phonemize.LangEnUS
	if args.Language != "" {
		l, ok := phonemize.ParseLang(args.Language)
		if !ok {
			return nil, nil, fmt.Errorf("unsupported language %q", args.Language)
		}
		lang = l
	}
	phonemes, ids := s.cfg.Pipeline.Phonemes(args.Text, lang)
	return &sdk.CallToolResult{
		Content: []sdk.Content{
			&sdk.TextContent{Text: phonemes.String()},
			&sdk.TextContent{Text: fmt.Sprint(ids)},
		},
	}, nil, nil
}
