package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEmptyMessage     = errors.New("empty message")
	ErrMalformedMessage = errors.New("malformed message")
)

// Codec reads and writes newline-delimited JSON messages.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, v any) error {
	data, err := c.EncodeToBytes(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Decode reads one line from r. A final line without a trailing newline is
// accepted.
func (c *Codec) Decode(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0) {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %w", ErrEmptyMessage, err)
		}
		return err
	}
	return c.DecodeFromBytes(line, v)
}

func (c *Codec) EncodeToBytes(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (c *Codec) DecodeFromBytes(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
