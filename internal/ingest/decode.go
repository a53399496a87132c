package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/HendryAvila/activitylog/internal/tracker"
)

// maxLine bounds one JSON-lines record.
const maxLine = 1 << 20

// DecodeEvents parses a JSON object or an array of objects and validates
// each event.
func DecodeEvents(data []byte) ([]tracker.Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("ingest: empty payload")
	}
	var events []tracker.Event
	if data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("ingest: decode events: %w", err)
		}
	} else {
		var ev tracker.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("ingest: decode event: %w", err)
		}
		events = []tracker.Event{ev}
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("ingest: event %d: %w", i, err)
		}
	}
	return events, nil
}

// ReadJSONL calls fn for each event in r, one JSON object per line. Blank
// lines are skipped. A malformed line stops the read with its line number.
func ReadJSONL(r io.Reader, fn func(tracker.Event) error) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	n, line := 0, 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev tracker.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return n, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		if err := ev.Validate(); err != nil {
			return n, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		if err := fn(ev); err != nil {
			return n, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("ingest: read: %w", err)
	}
	return n, nil
}
