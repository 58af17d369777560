package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func scan(t *testing.T, raw, doneToken string) ([]string, *closeTracker) {
	t.Helper()
	body := &closeTracker{Reader: strings.NewReader(raw)}
	s := NewScanner(body, doneToken)
	var events []string
	for {
		ev, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events, body
}

func TestScanner_SplitsDataLines(t *testing.T) {
	raw := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	events, body := scan(t, raw, "[DONE]")

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, events)
	assert.True(t, body.closed, "terminal sentinel must close the body proactively")
}

func TestScanner_IgnoresNonDataLines(t *testing.T) {
	raw := "event: message_start\ndata: {\"a\":1}\n: keep-alive\nretry: 100\ndata: {\"b\":2}\n"
	events, _ := scan(t, raw, "")

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, events)
}

func TestScanner_CRLFTolerated(t *testing.T) {
	raw := "data: {\"a\":1}\r\ndata: {\"b\":2}\r\n"
	events, _ := scan(t, raw, "")

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, events)
}

func TestScanner_BestEffortTrailingLine(t *testing.T) {
	// Stream ends without a trailing newline: the remaining buffer is still
	// surfaced as one final event.
	raw := "data: {\"a\":1}\ndata: {\"tail\":true}"
	events, body := scan(t, raw, "")

	assert.Equal(t, []string{`{"a":1}`, `{"tail":true}`}, events)
	assert.True(t, body.closed)
}

func TestScanner_EOFAfterDone(t *testing.T) {
	body := &closeTracker{Reader: strings.NewReader("data: [DONE]\n")}
	s := NewScanner(body, "[DONE]")

	_, err := s.Next()
	assert.Equal(t, io.EOF, err)

	// Subsequent calls stay at EOF.
	_, err = s.Next()
	assert.Equal(t, io.EOF, err)
}

func TestScanner_CloseIdempotent(t *testing.T) {
	body := &closeTracker{Reader: strings.NewReader("")}
	s := NewScanner(body, "")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, body.closed)
}
