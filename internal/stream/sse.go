// Package stream implements the low-level chunked-response reader shared by
// all provider adapters: newline-delimited event splitting with partial-line
// carry-over between reads.
package stream

import (
	"bufio"
	"io"
	"strings"
)

// dataPrefix is the only line kind an adapter consumes; everything else
// (event names, comments, blank keep-alives) is ignored.
const dataPrefix = "data:"

// Scanner splits a streaming response body into event payloads. It retains
// a trailing partial line for the next read and, at true end-of-stream
// without a trailing line terminator, surfaces the remaining buffer as one
// best-effort final event.
type Scanner struct {
	body      io.ReadCloser
	rd        *bufio.Reader
	doneToken string
	done      bool
	closed    bool
}

// NewScanner wraps a response body. doneToken is the provider's literal
// end-of-stream sentinel ("[DONE]" for OpenAI-compatible streams); empty
// means the provider signals stop structurally and the adapter calls Close
// itself.
func NewScanner(body io.ReadCloser, doneToken string) *Scanner {
	return &Scanner{
		body:      body,
		rd:        bufio.NewReaderSize(body, 64*1024),
		doneToken: doneToken,
	}
}

// Next returns the next event payload. It returns io.EOF once the stream is
// logically finished: either the terminal sentinel was seen (in which case
// the underlying body is closed proactively, guarding against providers
// that hold the connection open past logical completion) or the transport
// stream ended.
func (s *Scanner) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, err := s.rd.ReadString('\n')
		if err != nil && err != io.EOF {
			s.done = true
			_ = s.Close()
			return "", err
		}
		atEOF := err == io.EOF

		line = strings.TrimRight(line, "\r\n")
		if payload, ok := strings.CutPrefix(line, dataPrefix); ok {
			payload = strings.TrimSpace(payload)
			if s.doneToken != "" && payload == s.doneToken {
				s.done = true
				_ = s.Close()
				return "", io.EOF
			}
			if payload != "" {
				if atEOF {
					s.done = true
					_ = s.Close()
				}
				return payload, nil
			}
		}

		if atEOF {
			s.done = true
			_ = s.Close()
			return "", io.EOF
		}
	}
}

// Close releases the underlying body. Safe to call more than once and from
// every exit path.
func (s *Scanner) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
