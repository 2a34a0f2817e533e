package audio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"

	lame "github.com/viert/go-lame"
)

// mp3Codec wraps one LAME encoder. The encoder writes through out, which
// go-lame adopts as its own output buffer (bufio.NewWriter returns an
// existing Writer of sufficient size unchanged), so flushing out after each
// call hands every frame LAME produced for that call to buf.
type mp3Codec struct {
	buf    bytes.Buffer
	out    *bufio.Writer
	enc    *lame.Encoder
	closed bool
}

func newMP3Codec(rate, quality int) (*mp3Codec, error) {
	c := &mp3Codec{}
	c.out = bufio.NewWriter(&c.buf)
	c.enc = lame.NewEncoder(c.out)
	err := errors.Join(
		wrapLame("channels", c.enc.SetNumChannels(1)),
		wrapLame("sample rate", c.enc.SetInSamplerate(rate)),
		wrapLame("quality", c.enc.SetQuality(quality)),
	)
	if err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func wrapLame(param string, err error) error {
	if err != nil {
		return fmt.Errorf("lame set %s: %w", param, err)
	}
	return nil
}

func (c *mp3Codec) header() []byte { return nil }

func (c *mp3Codec) encode(pcm []int16) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	b := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		b[i*2] = byte(v)
		b[i*2+1] = byte(v >> 8)
	}
	if _, err := c.enc.Write(b); err != nil {
		return nil, fmt.Errorf("lame write: %w", err)
	}
	return c.take()
}

// flush emits LAME's final frames and releases the encoder. Closing the
// encoder performs the one lame_encode_flush; close is a no-op afterwards.
func (c *mp3Codec) flush() ([]byte, error) {
	if c.closed {
		return nil, errors.New("lame encoder already closed")
	}
	c.close()
	return c.take()
}

func (c *mp3Codec) close() {
	if c.closed {
		return
	}
	c.closed = true
	c.enc.Close()
}

func (c *mp3Codec) take() ([]byte, error) {
	if err := c.out.Flush(); err != nil {
		return nil, fmt.Errorf("lame output: %w", err)
	}
	if c.buf.Len() == 0 {
		return nil, nil
	}
	out := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	return out, nil
}
