package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/TeoSlayer/topicbus/internal/pool"
)

// MaxFrameSize bounds a single request or response body.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for frames whose declared length exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// ReadFrame reads one [4-byte big-endian length][JSON body] frame from r and
// decodes the body into v. A clean end of stream before the header returns
// io.EOF.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := pool.GetFrame(int(length))
	defer pool.PutFrame(body)
	if _, err := io.ReadFull(r, *body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if err := json.Unmarshal(*body, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}

// WriteFrame encodes v as JSON and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}
