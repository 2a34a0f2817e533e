package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

const (
	opusGranuleRate = 48000
	opusFrameMs     = 20
	opusMaxPacket   = 4000
	// opusPreSkip is the encoder lookahead in 48 kHz samples.
	opusPreSkip = 312
)

// opusRate reports whether libopus accepts rate as an input rate.
func opusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// opusCodec encodes mono PCM into 20 ms Opus packets wrapped in Ogg pages.
// The last packet is held back so that it can carry the end-of-stream flag.
type opusCodec struct {
	enc       *gopus.Encoder
	rate      int
	frameSize int
	ogg       *oggWriter

	remainder []int16
	pending   []byte
	frames    uint64
	samples   uint64
}

func newOpusCodec(rate, bitrate int) (*opusCodec, error) {
	if !opusRate(rate) {
		return nil, fmt.Errorf("opus does not support %d Hz", rate)
	}
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &opusCodec{
		enc:       enc,
		rate:      rate,
		frameSize: rate * opusFrameMs / 1000,
		ogg:       newOggWriter(),
	}, nil
}

func (c *opusCodec) header() []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1
	head[9] = 1
	binary.LittleEndian.PutUint16(head[10:], opusPreSkip)
	binary.LittleEndian.PutUint32(head[12:], uint32(c.rate))
	// Output gain and channel mapping family stay zero.

	vendor := "koko"
	tags := make([]byte, 8+4+len(vendor)+4)
	copy(tags, "OpusTags")
	binary.LittleEndian.PutUint32(tags[8:], uint32(len(vendor)))
	copy(tags[12:], vendor)

	var out bytes.Buffer
	out.Write(c.ogg.page(head, 0, oggBOS))
	out.Write(c.ogg.page(tags, 0, 0))
	return out.Bytes()
}

func (c *opusCodec) encode(pcm []int16) ([]byte, error) {
	c.samples += uint64(len(pcm))
	c.remainder = append(c.remainder, pcm...)
	var out bytes.Buffer
	for len(c.remainder) >= c.frameSize {
		if err := c.encodeFrame(c.remainder[:c.frameSize], &out); err != nil {
			return nil, err
		}
		c.remainder = c.remainder[c.frameSize:]
	}
	c.remainder = append([]int16(nil), c.remainder...)
	return out.Bytes(), nil
}

// encodeFrame encodes one full frame and emits the previously pending
// packet.
func (c *opusCodec) encodeFrame(frame []int16, out *bytes.Buffer) error {
	packet, err := c.enc.Encode(frame, c.frameSize, opusMaxPacket)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	if c.pending != nil {
		out.Write(c.ogg.page(c.pending, c.granule(c.frames), 0))
	}
	c.pending = packet
	c.frames++
	return nil
}

func (c *opusCodec) flush() ([]byte, error) {
	var out bytes.Buffer
	if len(c.remainder) > 0 || c.pending == nil {
		frame := make([]int16, c.frameSize)
		copy(frame, c.remainder)
		c.remainder = nil
		if err := c.encodeFrame(frame, &out); err != nil {
			return nil, err
		}
	}
	end := uint64(opusPreSkip) + c.samples*opusGranuleRate/uint64(c.rate)
	out.Write(c.ogg.page(c.pending, min(end, c.granule(c.frames)), oggEOS))
	c.pending = nil
	return out.Bytes(), nil
}

func (c *opusCodec) close() {}

// granule returns the 48 kHz sample position after n frames.
func (c *opusCodec) granule(n uint64) uint64 {
	return n * opusGranuleRate * opusFrameMs / 1000
}
