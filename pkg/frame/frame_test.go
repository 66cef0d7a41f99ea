package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleORU = "MSH|^~\\&|PANTHER|LAB|LABFLOW|HOSPITAL|20251016120000||ORU^R01|MSG123456|P|2.5\r" +
	"PID|1||12345678^^^MRN||García^Juan^Carlos||19850315|M"

func TestEncode(t *testing.T) {
	got := Encode([]byte("MSH|x"))
	assert.Equal(t, []byte{0x0B, 'M', 'S', 'H', '|', 'x', 0x1C, 0x0D}, got)
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	payloads := []string{
		"",
		"A",
		sampleORU,
		"line1\rline2\rline3",
		"utf-8 ñ ü 漢字",
	}
	for _, p := range payloads {
		d := NewDecoder(DefaultLimits())
		require.NoError(t, d.Feed(Encode([]byte(p))))
		body, ok := d.Next()
		require.True(t, ok, "payload %q", p)
		assert.Equal(t, p, string(body))
		assert.Zero(t, d.Buffered())
	}
}

func TestDecoder_IncrementalBytes(t *testing.T) {
	d := NewDecoder(DefaultLimits())
	encoded := Encode([]byte(sampleORU))

	for i := 0; i < len(encoded)-1; i++ {
		require.NoError(t, d.Feed(encoded[i:i+1]))
		_, ok := d.Next()
		require.False(t, ok, "frame delivered early at byte %d", i)
	}
	require.NoError(t, d.Feed(encoded[len(encoded)-1:]))
	body, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, sampleORU, string(body))
}

func TestDecoder_PipelinedFramesAreRetained(t *testing.T) {
	d := NewDecoder(DefaultLimits())
	stream := append(Encode([]byte("first")), Encode([]byte("second"))...)
	stream = append(stream, StartBlock, 't', 'h')

	require.NoError(t, d.Feed(stream))

	body, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, "first", string(body))

	body, ok = d.Next()
	require.True(t, ok)
	assert.Equal(t, "second", string(body))

	_, ok = d.Next()
	assert.False(t, ok)
	assert.Equal(t, 3, d.Buffered())

	require.NoError(t, d.Feed([]byte{'i', 'r', 'd', EndBlock, Terminator}))
	body, ok = d.Next()
	require.True(t, ok)
	assert.Equal(t, "third", string(body))
}

func TestDecoder_MalformedInputNeverCompletes(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"end marker without start", []byte("MSH|x\x1c\x0d")},
		{"start without end", []byte("\x0bMSH|x")},
		{"end without terminator", []byte("\x0bMSH|x\x1c")},
		{"terminator before end", []byte("\x0bMSH|x\x0d\x1c")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(DefaultLimits())
			require.NoError(t, d.Feed(tt.input))
			_, ok := d.Next()
			assert.False(t, ok)
		})
	}
}

func TestDecoder_NoiseBeforeStartIsDiscarded(t *testing.T) {
	d := NewDecoder(DefaultLimits())
	require.NoError(t, d.Feed(append([]byte("garbage\x1c\x0d"), Encode([]byte("ok"))...)))
	body, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, "ok", string(body))
}

func TestDecoder_LimitExceeded(t *testing.T) {
	d := NewDecoder(Limits{MaxFrameBytes: 16})
	err := d.Feed(append([]byte{StartBlock}, bytes.Repeat([]byte("x"), 32)...))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, d.Buffered())
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("MSA|AA|1"), DefaultLimits()))
	assert.Equal(t, Encode([]byte("MSA|AA|1")), buf.Bytes())

	err := WriteFrame(&buf, bytes.Repeat([]byte("x"), 32), Limits{MaxFrameBytes: 8})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReader_ReadFrame(t *testing.T) {
	stream := append(Encode([]byte("one")), Encode([]byte("two"))...)
	r := NewReader(bytes.NewReader(stream), DefaultLimits())

	body, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "one", string(body))

	body, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "two", string(body))

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_TruncatedFrame(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("\x0bMSH|partial")), DefaultLimits())
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
