package audio

import (
	"fmt"
	"strings"
)

// Format is an output container.
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
	FormatOpus Format = "opus"
	FormatPCM  Format = "pcm"
)

// Formats lists every supported output format.
var Formats = []Format{FormatMP3, FormatWAV, FormatOpus, FormatPCM}

// IsValid reports whether f is a supported format.
func (f Format) IsValid() bool {
	switch f {
	case FormatMP3, FormatWAV, FormatOpus, FormatPCM:
		return true
	}
	return false
}

// Compressed reports whether f goes through a native codec that must be
// serialised process-wide.
func (f Format) Compressed() bool {
	return f == FormatMP3 || f == FormatOpus
}

// MIME returns the Content-Type for f.
func (f Format) MIME() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatWAV:
		return "audio/wav"
	case FormatOpus:
		return "audio/ogg"
	case FormatPCM:
		return "audio/pcm"
	}
	return "application/octet-stream"
}

// Extension returns the file extension for f, without the dot.
func (f Format) Extension() string {
	if f == FormatOpus {
		return "ogg"
	}
	return string(f)
}

// ParseFormat parses a format name case-insensitively. An empty string
// yields def.
func ParseFormat(s string, def Format) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def, nil
	}
	f := Format(s)
	if !f.IsValid() {
		return "", fmt.Errorf("audio: unsupported format %q", s)
	}
	return f, nil
}
