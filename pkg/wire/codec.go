package wire

import (
	"bufio"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame multiplexes channels over one gateway stream. The first frame of a
// channel names the worker module to run in Open; a frame with Close set is
// the end-of-channel sentinel.
type Frame struct {
	Channel uint32 `msgpack:"c"`
	Open    string `msgpack:"o,omitempty"`
	Close   bool   `msgpack:"x,omitempty"`
	Msg     *Msg   `msgpack:"m,omitempty"`
}

// Encoder writes frames. It is not safe for concurrent use.
type Encoder struct {
	buf *bufio.Writer
	enc *msgpack.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	buf := bufio.NewWriter(w)
	return &Encoder{buf: buf, enc: msgpack.NewEncoder(buf)}
}

// Encode writes one frame and flushes it to the underlying writer.
func (e *Encoder) Encode(f *Frame) error {
	if err := e.enc.Encode(f); err != nil {
		return err
	}
	return e.buf.Flush()
}

// Decoder reads frames.
type Decoder struct {
	dec *msgpack.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: msgpack.NewDecoder(bufio.NewReader(r))}
}

// Decode reads the next frame. io.EOF is returned when the stream ends
// cleanly between frames.
func (d *Decoder) Decode() (*Frame, error) {
	f := &Frame{}
	if err := d.dec.Decode(f); err != nil {
		return nil, err
	}
	return f, nil
}
