// Package opensearch indexes lifecycle events into OpenSearch (or
// Elasticsearch) over its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loykin/edgevisor/internal/history"
)

// document is the flat shape stored per event, so dashboards can filter on
// service and event without nested mappings.
type document struct {
	Timestamp    time.Time `json:"@timestamp"`
	Event        string    `json:"event"`
	Service      string    `json:"service"`
	RunID        string    `json:"run_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Port         int       `json:"port,omitempty"`
	State        string    `json:"state"`
	RestartCount int       `json:"restart_count"`
	Reason       string    `json:"reason,omitempty"`
	Host         string    `json:"host,omitempty"`
}

// Sink writes one document per event into a daily index named
// "<prefix>-YYYY.MM.DD", using the event time in UTC.
type Sink struct {
	client *http.Client
	base   string
	prefix string
	host   string
}

func New(baseURL, indexPrefix string) *Sink {
	host, _ := os.Hostname()
	return &Sink{
		client: &http.Client{Timeout: 5 * time.Second},
		base:   strings.TrimRight(baseURL, "/"),
		prefix: indexPrefix,
		host:   host,
	}
}

// Index returns the index an event occurring at t is written to.
func (s *Sink) Index(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	b, err := json.Marshal(document{
		Timestamp:    at.UTC(),
		Event:        string(e.Type),
		Service:      e.Record.Service,
		RunID:        e.Record.RunID,
		PID:          e.Record.PID,
		Port:         e.Record.Port,
		State:        e.Record.State,
		RestartCount: e.Record.RestartCount,
		Reason:       e.Record.Reason,
		Host:         s.host,
	})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.base, s.Index(at))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("index %s event for %s: status %d: %s",
			e.Type, e.Record.Service, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
