package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

var errStreamDone = errors.New("upstream: stream done")

// scanStream reads the provider's event stream and invokes onEvent with each
// decoded data payload. The wire format is `data:` lines separated by blank
// lines, terminated by a `[DONE]` marker.
func scanStream(r io.Reader, onEvent func([]byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pending [][]byte
	dispatch := func() error {
		if len(pending) == 0 {
			return nil
		}
		payload := strings.TrimSpace(string(bytes.Join(pending, []byte("\n"))))
		pending = pending[:0]
		if payload == "" {
			return nil
		}
		if payload == "[DONE]" {
			return errStreamDone
		}
		return onEvent([]byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if err := dispatch(); err != nil {
				if errors.Is(err, errStreamDone) {
					return nil
				}
				return err
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			pending = append(pending, []byte(strings.TrimSpace(rest)))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("upstream: read stream: %w", err)
	}
	if err := dispatch(); err != nil && !errors.Is(err, errStreamDone) {
		return err
	}
	return nil
}
