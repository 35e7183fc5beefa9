package client

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// sseEvent is one dispatched text/event-stream message.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseReader decodes a text/event-stream body. It tracks the last event ID
// and the server-requested reconnection delay across events.
type sseReader struct {
	r      *bufio.Reader
	lastID string
	retry  time.Duration
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

// Next returns the next event carrying data. Comment lines and events without
// data are skipped. A partial event at end of stream is discarded and io.EOF
// returned.
func (s *sseReader) Next() (sseEvent, error) {
	var (
		ev      sseEvent
		data    strings.Builder
		hasData bool
	)

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.EOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if !hasData {
				ev = sseEvent{}
				continue
			}
			ev.Data = data.String()
			ev.ID = s.lastID
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			ev.Event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
				s.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// LastID returns the most recent event ID seen on the stream.
func (s *sseReader) LastID() string { return s.lastID }

// Retry returns the reconnection delay requested by the server, or zero.
func (s *sseReader) Retry() time.Duration { return s.retry }
