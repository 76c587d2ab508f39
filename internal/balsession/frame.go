package balsession

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alxayo/fcm-gateway/internal/bufpool"
)

// maxFrameSize guards against a malformed or hostile length prefix forcing
// an unbounded allocation.
const maxFrameSize = 1 << 20 // 1 MiB

// malformedFrameError marks a frame that was read off the wire intact but
// whose body did not parse as JSON (or carried an invalid length). Per the
// error taxonomy this is logged and dropped, not a disconnect; a genuine
// I/O error (EOF, reset) is returned unwrapped so the caller can tell them
// apart.
type malformedFrameError struct{ err error }

func (e *malformedFrameError) Error() string { return "bal frame: " + e.err.Error() }
func (e *malformedFrameError) Unwrap() error { return e.err }

// IsMalformed reports whether err came from a frame that was read
// successfully but failed to decode, as opposed to a transport-level error.
func IsMalformed(err error) bool {
	_, ok := err.(*malformedFrameError)
	return ok
}

// readFrame reads one length-prefixed JSON frame: a 4-byte big-endian
// length followed by that many bytes of UTF-8 JSON.
func readFrame(r io.Reader) (map[string]any, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, &malformedFrameError{err: fmt.Errorf("invalid length %d", n)}
	}

	body := bufpool.Get(int(n))
	defer bufpool.Put(body)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var frame map[string]any
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, &malformedFrameError{err: fmt.Errorf("malformed json: %w", err)}
	}
	return frame, nil
}

// writeFrame serialises v to JSON and writes the length-prefixed frame.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bal frame: marshal: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("bal frame: body too large (%d bytes)", len(body))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
