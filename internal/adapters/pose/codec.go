package pose

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/vmihailenco/msgpack/v5"
)

// maxMessage bounds a single framed message.
const maxMessage = 64 << 20

// request is one frame sent to the worker.
type request struct {
	Seq       uint64  `msgpack:"seq"`
	Timestamp float64 `msgpack:"timestamp"`
	Width     int     `msgpack:"width"`
	Height    int     `msgpack:"height"`
	Pixels    []byte  `msgpack:"pixels"`
}

// response is the worker's answer for one frame.
type response struct {
	Seq       uint64           `msgpack:"seq"`
	Detected  bool             `msgpack:"detected"`
	Landmarks []model.Landmark `msgpack:"landmarks"`
	Error     string           `msgpack:"error,omitempty"`
}

// writeMessage writes v as a 4-byte big-endian length followed by msgpack.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if len(payload) > maxMessage {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r *bufio.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessage {
		return ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
