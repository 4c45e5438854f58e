package syncclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"planboard/api/internal/plan"
)

const maxEventSize = 8 << 20

// HTTPTransport talks to the planboard API over plain HTTP.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (t *HTTPTransport) SubmitAction(ctx context.Context, documentID, clientID string, action plan.Action) error {
	body, err := json.Marshal(map[string]any{"action": action, "clientId": clientID})
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	req, err := t.newRequest(ctx, http.MethodPost, "/api/documents/"+url.PathEscape(documentID)+"/actions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client().Do(req)
	if err != nil {
		return fmt.Errorf("submit action: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return responseError(resp)
}

// Snapshot fetches the committed document.
func (t *HTTPTransport) Snapshot(ctx context.Context, documentID string) (plan.Document, error) {
	req, err := t.newRequest(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(documentID), nil)
	if err != nil {
		return plan.Document{}, err
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return plan.Document{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return plan.Document{}, responseError(resp)
	}
	var doc plan.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return plan.Document{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc, nil
}

// Events opens the document's event stream. The channel closes when the
// stream ends or ctx is done. Open the stream before fetching the snapshot
// so that no commit falls between the two.
func (t *HTTPTransport) Events(ctx context.Context, documentID string) (<-chan plan.Event, error) {
	req, err := t.newRequest(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(documentID)+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive any client timeout.
	client := *t.client()
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}

	events := make(chan plan.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		_ = readEvents(ctx, resp.Body, events)
	}()
	return events, nil
}

// readEvents decodes server-sent events carrying one JSON event per data
// field. Comment lines are keep-alives.
func readEvents(ctx context.Context, r io.Reader, out chan<- plan.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev plan.Event
			err := json.Unmarshal(data.Bytes(), &ev)
			data.Reset()
			if err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	return req, nil
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

// responseError turns a failed response into an error. Client errors other
// than timeouts and throttling are rejections.
func responseError(resp *http.Response) error {
	var body apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &RejectedError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
	}
	return fmt.Errorf("server responded %d %s: %s", resp.StatusCode, body.Code, body.Error)
}
