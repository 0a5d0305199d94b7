package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Event is a committed ledger event.
type Event struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	RecordID         uint64    `json:"record_id"`
	Actor            string    `json:"actor"`
	Subject          string    `json:"subject,omitempty"`
	ContentReference string    `json:"content_reference,omitempty"`
	At               time.Time `json:"at"`
}

// WatchOptions narrows Watch. Zero values match everything.
type WatchOptions struct {
	RecordID *uint64
	Type     string
	// OnOpen, when set, is called once the server has confirmed the
	// subscription. Events committed after that point are delivered.
	OnOpen func()
}

// Watch follows GET /api/v1/events and calls fn for every event until fn
// returns false, ctx is done, or the server closes the stream. It returns
// nil in the first two cases.
func (c *Client) Watch(ctx context.Context, f WatchOptions, fn func(Event) bool) error {
	q := url.Values{}
	if f.RecordID != nil {
		q.Set("record_id", strconv.FormatUint(*f.RecordID, 10))
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	path := "/api/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the default request timeout.
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return decodeError(resp.StatusCode, data)
	}

	if f.OnOpen != nil {
		f.OnOpen()
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if !fn(e) {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
