// Package inference runs the speech model over token sequences and exposes
// its output as a lazy, pull-based stream of audio chunks.
//
// The model itself is opaque: any [Model] that maps (token ids, style
// vector, speed) to mono float samples can back an [Engine]. Backends live
// in sub-packages (inference/onnx, inference/formant).
//
// Typical usage:
//
//	eng := inference.NewEngine(model)
//	stream, err := eng.Infer(ctx, ids, embedding, inference.Options{Speed: 1})
//	if err != nil { … }
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Next(ctx)
//	    if errors.Is(err, io.EOF) { break }
//	    if err != nil { … }
//	    consume(chunk)
//	}
package inference

import (
	"context"
	"errors"
	"fmt"
)

// ErrModelFailure is the sentinel wrapped by every [*ModelError].
var ErrModelFailure = errors.New("inference: model failure")

// ModelError reports a failed or numerically unstable forward pass. It is
// never retried: the same input produces the same failure.
type ModelError struct {
	// Segment is the index of the segment whose forward pass failed.
	Segment int
	Err     error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("inference: segment %d: %v", e.Segment, e.Err)
}

// Unwrap returns both [ErrModelFailure] and the underlying cause.
func (e *ModelError) Unwrap() []error { return []error{ErrModelFailure, e.Err} }

// Model is one forward-inference backend.
//
// Implementations must be safe for concurrent use: every request runs its
// own Forward calls.
type Model interface {
	// Forward synthesizes one segment. ids are already padded with the pad
	// id on both ends. style has the registry's embedding dimension. speed
	// is 1 unless SupportsSpeed reports true.
	Forward(ctx context.Context, ids []int, style []float32, speed float32) ([]float32, error)

	// SampleRate returns the rate of the samples Forward produces.
	SampleRate() int

	// SupportsSpeed reports whether Forward honours speed itself. When false
	// the engine time-stretches the output instead.
	SupportsSpeed() bool

	// Close releases backend resources.
	Close() error
}

// Chunk is a contiguous block of mono samples. Index starts at 0 and grows
// by one per chunk; Final marks the last chunk of a stream.
type Chunk struct {
	Index      int
	Samples    []float32
	SampleRate int
	Final      bool
}
