package audio

import (
	"encoding/binary"
	"fmt"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth  = 16
	wavPCMFormat = 1
)

// encodeWAV wraps samples in a RIFF/WAVE container: PCM, mono, 16-bit.
func encodeWAV(samples []float32, rate int) ([]byte, error) {
	pcm := FloatToInt16(samples)
	data := make([]int, len(pcm))
	for i, v := range pcm {
		data[i] = int(v)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}

	f := &memFile{}
	enc := wav.NewEncoder(f, rate, wavBitDepth, 1, wavPCMFormat)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return f.Bytes(), nil
}

// wavStreamHeader returns a 44-byte WAV header whose RIFF and data sizes are
// set to the maximum value, the convention for streams of unknown length.
func wavStreamHeader(rate int) []byte {
	const unknown = 0xFFFFFFFF
	h := make([]byte, 44)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], unknown)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], wavPCMFormat)
	binary.LittleEndian.PutUint16(h[22:], 1)
	binary.LittleEndian.PutUint32(h[24:], uint32(rate))
	binary.LittleEndian.PutUint32(h[28:], uint32(rate*wavBitDepth/8))
	binary.LittleEndian.PutUint16(h[32:], wavBitDepth/8)
	binary.LittleEndian.PutUint16(h[34:], wavBitDepth)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], unknown)
	return h
}
