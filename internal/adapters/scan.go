package adapters

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/compresr/ai-bridge/internal/apierr"
)

const maxLineBytes = 1 << 20

// scanSSE reads server-sent events and calls fn with each event's type and
// data. It returns when the stream ends, a "[DONE]" data line arrives, or fn
// fails. sawDone reports whether the "[DONE]" sentinel was seen.
func scanSSE(r io.Reader, fn func(event, data string) error) (sawDone bool, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var event string
	var data strings.Builder
	dispatch := func() error {
		if data.Len() == 0 {
			event = ""
			return nil
		}
		d := data.String()
		data.Reset()
		ev := event
		event = ""
		return fn(ev, d)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return false, err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			d := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if d == "[DONE]" {
				return true, nil
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(d)
		}
	}
	if err := sc.Err(); err != nil {
		return false, streamReadError(err)
	}
	return false, dispatch()
}

// scanNDJSON calls fn for each non-empty line.
func scanNDJSON(r io.Reader, fn func(line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return streamReadError(err)
	}
	return nil
}

// truncated is the error for an upstream stream that ended without its
// terminal marker.
func truncated(kind string) error {
	return apierr.New(apierr.CodeProviderError, "%s: stream ended before completion", kind)
}

func streamReadError(err error) error {
	return apierr.Wrap(apierr.CodeProviderError, err, "stream read failed")
}

func malformed(kind string, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return apierr.New(apierr.CodeProviderError, "%s returned a malformed response: %s", kind, snippet)
}
