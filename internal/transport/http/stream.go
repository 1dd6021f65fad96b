package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kasa-chat/kasa/internal/domain"
)

// ndjsonSink writes one JSON object per line to the response, flushing
// after each event. Headers are written lazily on the first event so the
// pre-flight phase can still answer with a plain status.
type ndjsonSink struct {
	resp    *echo.Response
	started bool
}

func newNDJSONSink(resp *echo.Response) *ndjsonSink {
	return &ndjsonSink{resp: resp}
}

func (s *ndjsonSink) Send(ev domain.StreamEvent) error {
	if !s.started {
		s.resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
		s.resp.Header().Set("Cache-Control", "no-cache")
		s.resp.WriteHeader(http.StatusOK)
		s.started = true
	}
	if err := json.NewEncoder(s.resp).Encode(ev); err != nil {
		return err
	}
	s.resp.Flush()
	return nil
}

// Started reports whether any event reached the wire.
func (s *ndjsonSink) Started() bool {
	return s.started
}
