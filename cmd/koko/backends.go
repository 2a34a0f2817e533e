package main

import (
	"log/slog"

	"github.com/MrWong99/koko/internal/config"
	"github.com/MrWong99/koko/pkg/inference"
	"github.com/MrWong99/koko/pkg/inference/formant"
	"github.com/MrWong99/koko/pkg/inference/onnx"
)

func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterModel(config.BackendONNX, func(c config.ModelConfig) (inference.Model, error) {
		oc := onnx.DefaultConfig(c.Path)
		oc.LibraryPath = c.LibraryPath
		oc.IntraOpThreads = c.IntraOpThreads
		if c.SampleRate > 0 {
			oc.SampleRate = c.SampleRate
		}
		return onnx.New(oc)
	})

	reg.RegisterModel(config.BackendFormant, func(c config.ModelConfig) (inference.Model, error) {
		return formant.New(formant.WithSampleRate(c.SampleRate)), nil
	})

	for _, b := range reg.Backends() {
		slog.Debug("registered model backend", "backend", b)
	}
}
