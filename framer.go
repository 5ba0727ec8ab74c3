package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// defaultMaxFrameSize bounds memory consumption from a misbehaving peer.
const defaultMaxFrameSize = 4 * 1024 * 1024

// Encoder writes newline-delimited frames. Payloads are written verbatim
// with exactly one trailing newline, so decode(encode(m)) == m.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(msg Message) error {
	if len(msg.Payload) == 0 {
		return &FramingError{Reason: "empty payload"}
	}
	if bytes.ContainsRune(msg.Payload, '\n') {
		return &FramingError{Reason: "payload contains frame delimiter"}
	}
	buf := make([]byte, 0, len(msg.Payload)+1)
	buf = append(buf, msg.Payload...)
	buf = append(buf, '\n')
	_, err := e.w.Write(buf)
	return err
}

// Decoder produces a lazy sequence of Messages from a byte stream. Partial
// reads are handled by the buffered reader; a frame split across any number
// of reads decodes identically to a single full read. After a FramingError
// the decoder has already resynchronized at the next frame boundary, so the
// caller may keep calling Next.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
}

func NewDecoder(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = defaultMaxFrameSize
	}
	return &Decoder{r: bufio.NewReader(r), maxSize: maxSize}
}

// Next returns the next decoded Message, io.EOF at end of stream, or a
// *FramingError for an oversized or malformed frame.
func (d *Decoder) Next() (Message, error) {
	line, err := d.readFrame()
	if err != nil {
		return Message{}, err
	}
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		// blank keep-alive line between frames
		return d.Next()
	}
	return classifyMessage(line)
}

func (d *Decoder) readFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		frame = append(frame, chunk...)
		if err == nil {
			if len(frame)-1 > d.maxSize {
				return nil, &FramingError{Reason: "frame exceeds maximum size"}
			}
			return frame[:len(frame)-1], nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(frame) > d.maxSize {
				if derr := d.discardLine(); derr != nil {
					return nil, derr
				}
				return nil, &FramingError{Reason: "frame exceeds maximum size"}
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(frame) > 0 {
				return nil, &FramingError{Reason: "truncated frame at end of stream"}
			}
			return nil, io.EOF
		}
		return nil, err
	}
}

// discardLine consumes the remainder of an oversized frame so the next call
// starts at a frame boundary.
func (d *Decoder) discardLine() error {
	for {
		_, err := d.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}
