package providers

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// sseStream adapts a text/event-stream response body into a Stream of data
// payloads. Event framing lines and keep-alive comments are skipped; the
// OpenAI-style "[DONE]" sentinel terminates the stream.
type sseStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

func newSSEStream(resp *http.Response) *sseStream {
	scanner := bufio.NewScanner(resp.Body)
	// Single deltas can carry large base64 or JSON payloads.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &sseStream{resp: resp, scanner: scanner}
}

func (s *sseStream) Recv() (json.RawMessage, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return nil, io.EOF
		}
		return json.RawMessage(payload), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.resp.Body.Close()
}
