package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// DefaultMaxBodySize caps a Content-Length framed message.
const DefaultMaxBodySize = 10 * 1024 * 1024

// StdioReader reads MCP stdio messages, accepting both line-delimited JSON
// and Content-Length framing. Framed() reports which one the peer used last.
type StdioReader struct {
	r           *bufio.Reader
	maxBodySize int
	framed      bool
}

// NewStdioReader wraps r. maxBodySize <= 0 uses DefaultMaxBodySize.
func NewStdioReader(r io.Reader, maxBodySize int) *StdioReader {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &StdioReader{r: bufio.NewReader(r), maxBodySize: maxBodySize}
}

// Framed reports whether the last message used Content-Length framing.
func (s *StdioReader) Framed() bool {
	return s.framed
}

// Read returns the next message payload, or io.EOF once input ends.
func (s *StdioReader) Read() ([]byte, error) {
	for {
		firstLineBytes, err := s.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				trimmed := strings.TrimSpace(string(firstLineBytes))
				if trimmed == "" {
					return nil, io.EOF
				}
				s.framed = false
				return []byte(trimmed), nil
			}
			return nil, err
		}

		firstLine := strings.TrimSpace(string(firstLineBytes))
		if firstLine == "" {
			continue
		}

		if !strings.HasPrefix(strings.ToLower(firstLine), "content-length:") {
			s.framed = false
			return []byte(firstLine), nil
		}

		parts := strings.SplitN(firstLine, ":", 2)
		contentLength, convErr := strconv.Atoi(strings.TrimSpace(parts[1]))
		if convErr != nil || contentLength <= 0 {
			return nil, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(parts[1]))
		}
		if contentLength > s.maxBodySize {
			return nil, fmt.Errorf("Content-Length %d exceeds limit %d", contentLength, s.maxBodySize)
		}

		// Consume remaining headers until blank line.
		for {
			headerLine, headerErr := s.r.ReadBytes('\n')
			if headerErr != nil {
				if errors.Is(headerErr, io.EOF) {
					return nil, io.ErrUnexpectedEOF
				}
				return nil, headerErr
			}
			if strings.TrimSpace(string(headerLine)) == "" {
				break
			}
		}

		payload := make([]byte, contentLength)
		if _, readErr := io.ReadFull(s.r, payload); readErr != nil {
			return nil, readErr
		}
		s.framed = true
		return bytes.TrimSpace(payload), nil
	}
}

// StdioWriter serializes messages to w; safe for concurrent use.
type StdioWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdioWriter wraps w.
func NewStdioWriter(w io.Writer) *StdioWriter {
	return &StdioWriter{w: w}
}

// Write encodes v as one message, framed with Content-Length when framed is true
// and newline-delimited otherwise.
func (s *StdioWriter) Write(v interface{}, framed bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if framed {
		return WriteFrame(s.w, payload)
	}
	_, err = s.w.Write(append(payload, '\n'))
	return err
}

// WriteFrame writes a JSON-RPC payload with MCP Content-Length framing.
func WriteFrame(w io.Writer, payload []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
