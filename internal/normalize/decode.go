package normalize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"ipsentry/internal/model"
)

// MaxLineBytes bounds a single NDJSON line.
const MaxLineBytes = 1 << 20

// ErrBodyTooLarge is returned when a body exceeds the decode limit after
// decompression.
var ErrBodyTooLarge = errors.New("body too large")

// DecodeBody reads a request body holding a JSON array of events, an object
// with an "events" array, or newline-delimited JSON objects. Gzip bodies are
// detected from contentEncoding or the magic bytes. limit caps the
// decompressed size; limit <= 0 means no cap.
func DecodeBody(body io.Reader, contentType, contentEncoding string, limit int64) ([]model.Event, error) {
	data, err := readBody(body, contentEncoding, limit)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if strings.Contains(strings.ToLower(contentType), "ndjson") || trimmed[0] != '[' && !singleObject(trimmed) {
		return DecodeNDJSON(bytes.NewReader(trimmed))
	}
	var raws []map[string]any
	if trimmed[0] == '[' {
		if err := unmarshalNumbers(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
	} else {
		var wrapper struct {
			Events []map[string]any `json:"events"`
		}
		if err := unmarshalNumbers(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		if wrapper.Events == nil {
			// a bare single event
			var one map[string]any
			if err := unmarshalNumbers(trimmed, &one); err != nil {
				return nil, fmt.Errorf("decode events: %w", err)
			}
			raws = []map[string]any{one}
		} else {
			raws = wrapper.Events
		}
	}
	return convert(raws)
}

// DecodeNDJSON reads one JSON object per line. Blank lines are skipped.
func DecodeNDJSON(r io.Reader) ([]model.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	var raws []map[string]any
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var raw map[string]any
		if err := unmarshalNumbers(text, &raw); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		raws = append(raws, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return convert(raws)
}

// DecodeEvent decodes a single JSON object, as carried by a Kafka message.
func DecodeEvent(data []byte) (model.Event, error) {
	var raw map[string]any
	if err := unmarshalNumbers(bytes.TrimSpace(data), &raw); err != nil {
		return model.Event{}, err
	}
	w, err := FromMap(raw)
	if err != nil {
		return model.Event{}, err
	}
	return w.Event()
}

func convert(raws []map[string]any) ([]model.Event, error) {
	events := make([]model.Event, 0, len(raws))
	for i, raw := range raws {
		if raw == nil {
			return nil, fmt.Errorf("event %d: not an object", i)
		}
		w, err := FromMap(raw)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		ev, err := w.Event()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func readBody(body io.Reader, contentEncoding string, limit int64) ([]byte, error) {
	br := bufio.NewReader(body)
	gz := strings.EqualFold(strings.TrimSpace(contentEncoding), "gzip")
	if !gz {
		if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
			gz = true
		}
	}
	if !gz {
		return readLimited(br, limit)
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	return readLimited(zr, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// singleObject reports whether data is exactly one JSON object, as opposed
// to several objects separated by newlines.
func singleObject(data []byte) bool {
	if data[0] != '{' {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var v json.RawMessage
	if err := dec.Decode(&v); err != nil {
		return false
	}
	return !dec.More()
}

func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
