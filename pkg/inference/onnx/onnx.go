// Package onnx runs a Kokoro ONNX export through ONNX Runtime.
//
// The graph is expected to take
//
//	input_ids  int64[1, N]
//	style      float32[1, D]
//	speed      float32[1]
//
// and return a float32 waveform at 24 kHz. Input and output names are
// configurable because community exports disagree on them ("tokens" vs
// "input_ids", "audio" vs "waveform"); an empty speed name marks a graph
// without a speed input.
//
// ONNX Runtime is a process-wide native library. The first [New] call loads
// it; later calls reuse the environment.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/koko/pkg/inference"
)

var _ inference.Model = (*Model)(nil)

// Config describes the model file and graph signature.
type Config struct {
	// ModelPath is the .onnx file.
	ModelPath string

	// LibraryPath is the onnxruntime shared library. Empty uses the
	// platform default search path.
	LibraryPath string

	InputIDsName string
	StyleName    string
	SpeedName    string
	OutputName   string

	// SampleRate of the waveform output. Default: 24000.
	SampleRate int

	// IntraOpThreads caps ONNX Runtime's per-session thread pool. Zero
	// leaves the runtime default.
	IntraOpThreads int
}

// DefaultConfig returns the names used by the official Kokoro export.
func DefaultConfig(modelPath string) Config {
	return Config{
		ModelPath:    modelPath,
		InputIDsName: "input_ids",
		StyleName:    "style",
		SpeedName:    "speed",
		OutputName:   "waveform",
		SampleRate:   24000,
	}
}

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnv(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnv() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Warn("onnx: destroy runtime", "err", err)
		}
	}
}

// Model is a loaded ONNX session. ONNX Runtime sessions accept concurrent
// Run calls, so one Model serves every request.
type Model struct {
	cfg     Config
	session *ort.DynamicAdvancedSession

	closeOnce sync.Once
}

// New loads the model described by cfg.
func New(cfg Config) (*Model, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}
	if cfg.InputIDsName == "" || cfg.StyleName == "" || cfg.OutputName == "" {
		return nil, errors.New("onnx: input, style and output names are required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if err := acquireEnv(cfg.LibraryPath); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		releaseEnv()
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			releaseEnv()
			return nil, fmt.Errorf("onnx: set threads: %w", err)
		}
	}

	inputs := []string{cfg.InputIDsName, cfg.StyleName}
	if cfg.SpeedName != "" {
		inputs = append(inputs, cfg.SpeedName)
	}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputs, []string{cfg.OutputName}, opts)
	if err != nil {
		releaseEnv()
		return nil, fmt.Errorf("onnx: load %s: %w", cfg.ModelPath, err)
	}
	slog.Info("onnx: model loaded", "path", cfg.ModelPath, "speed_input", cfg.SpeedName != "")
	return &Model{cfg: cfg, session: session}, nil
}

// SampleRate implements [inference.Model].
func (m *Model) SampleRate() int { return m.cfg.SampleRate }

// SupportsSpeed implements [inference.Model].
func (m *Model) SupportsSpeed() bool { return m.cfg.SpeedName != "" }

// Forward implements [inference.Model]. ONNX Runtime cannot be interrupted
// mid-run, so ctx is only checked before the call.
func (m *Model) Forward(ctx context.Context, ids []int, style []float32, speed float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := make([]int64, len(ids))
	for i, id := range ids {
		tokens[i] = int64(id)
	}

	idsT, err := ort.NewTensor(ort.NewShape(1, int64(len(tokens))), tokens)
	if err != nil {
		return nil, fmt.Errorf("onnx: input tensor: %w", err)
	}
	defer idsT.Destroy()

	styleT, err := ort.NewTensor(ort.NewShape(1, int64(len(style))), style)
	if err != nil {
		return nil, fmt.Errorf("onnx: style tensor: %w", err)
	}
	defer styleT.Destroy()

	inputs := []ort.Value{idsT, styleT}
	if m.cfg.SpeedName != "" {
		speedT, err := ort.NewTensor(ort.NewShape(1), []float32{speed})
		if err != nil {
			return nil, fmt.Errorf("onnx: speed tensor: %w", err)
		}
		defer speedT.Destroy()
		inputs = append(inputs, speedT)
	}

	outputs := []ort.Value{nil}
	if err := m.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	defer outputs[0].Destroy()

	wave, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: output %q is %T, want float32 tensor", m.cfg.OutputName, outputs[0])
	}
	data := wave.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// Close destroys the session and releases the runtime reference.
func (m *Model) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.session.Destroy()
		releaseEnv()
	})
	return err
}
