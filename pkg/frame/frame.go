// Package frame implements MLLP framing: a start block byte, the message
// bytes, an end block byte and a carriage return.
package frame

import (
	"bytes"
	"errors"
	"io"
)

const (
	StartBlock byte = 0x0B
	EndBlock   byte = 0x1C
	Terminator byte = 0x0D
)

var (
	ErrFrameTooLarge   = errors.New("frame: buffered bytes exceed limit")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

var trailer = []byte{EndBlock, Terminator}

// Limits constrains decoder memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 1 << 20}
}

// Encode wraps payload in MLLP block markers.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, StartBlock)
	out = append(out, payload...)
	return append(out, EndBlock, Terminator)
}

// WriteFrame writes one encoded frame to w.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if limits.MaxFrameBytes > 0 && len(payload)+3 > limits.MaxFrameBytes {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(Encode(payload))
	return err
}

// Decoder accumulates bytes from a stream and yields complete frame bodies.
// Bytes following a terminator are kept for the next call to Next, so
// several frames arriving in one read are all delivered in order.
type Decoder struct {
	limits Limits
	buf    []byte
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed appends bytes read from the connection.
func (d *Decoder) Feed(p []byte) error {
	d.buf = append(d.buf, p...)
	d.discardNoise()
	if d.limits.MaxFrameBytes > 0 && len(d.buf) > d.limits.MaxFrameBytes {
		d.buf = nil
		return ErrFrameTooLarge
	}
	return nil
}

// Next returns the next complete frame body. ok is false when more bytes
// are needed. The returned slice does not alias the decoder's buffer.
func (d *Decoder) Next() (body []byte, ok bool) {
	d.discardNoise()
	if len(d.buf) == 0 {
		return nil, false
	}
	end := bytes.Index(d.buf[1:], trailer)
	if end < 0 {
		return nil, false
	}
	end++ // index into d.buf

	body = make([]byte, end-1)
	copy(body, d.buf[1:end])

	rest := d.buf[end+len(trailer):]
	d.buf = append(d.buf[:0], rest...)
	return body, true
}

// Buffered reports how many bytes are waiting for a frame to complete.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// discardNoise drops bytes that precede the first start block. Such bytes
// can never become part of a frame.
func (d *Decoder) discardNoise() {
	if len(d.buf) == 0 || d.buf[0] == StartBlock {
		return
	}
	i := bytes.IndexByte(d.buf, StartBlock)
	if i < 0 {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], d.buf[i:]...)
}

// Reader reads whole frames from an io.Reader.
type Reader struct {
	r   io.Reader
	dec *Decoder
	tmp []byte
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{r: r, dec: NewDecoder(limits), tmp: make([]byte, 4096)}
}

// ReadFrame blocks until a complete frame is available. It returns io.EOF
// when the stream ends cleanly between frames and io.ErrUnexpectedEOF when
// it ends inside one.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for {
		if body, ok := fr.dec.Next(); ok {
			return body, nil
		}
		n, err := fr.r.Read(fr.tmp)
		if n > 0 {
			if ferr := fr.dec.Feed(fr.tmp[:n]); ferr != nil {
				return nil, ferr
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && fr.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
