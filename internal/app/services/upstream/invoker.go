// Package upstream performs the actual call to a provider's declared
// endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/tokenlab-io/marketplace/pkg/logger"
)

// maxResponseBytes bounds how much of an upstream response is retained.
const maxResponseBytes = 4 << 20

// Outcome captures the result of a completed upstream HTTP exchange.
// StatusCode and Body are recorded even for application-level failures so
// the ledger retains them for audit.
type Outcome struct {
	StatusCode int
	Body       json.RawMessage
	Duration   time.Duration
}

// OK reports whether the upstream answered with a 2xx status.
func (o Outcome) OK() bool {
	return o.StatusCode >= 200 && o.StatusCode < 300
}

// TransportError is a network-level failure (DNS, connection refused,
// timeout) distinct from an application-level non-2xx response, so callers
// can apply different retry policy.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport error calling %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Invoker posts caller payloads to provider endpoints with a bounded
// per-call timeout.
type Invoker struct {
	client *http.Client
	log    *logger.Logger
}

// New constructs an invoker. The client's own timeout is left unset; each
// call carries its service-configured bound via the context deadline.
func New(client *http.Client, log *logger.Logger) *Invoker {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logger.NewDefault("upstream")
	}
	return &Invoker{client: client, log: log}
}

// Invoke POSTs payload as JSON to endpointURL, waiting at most timeout. A
// transport failure returns a *TransportError; any HTTP response, 2xx or
// not, returns an Outcome with the status and body captured verbatim.
func (i *Invoker) Invoke(ctx context.Context, endpointURL string, payload json.RawMessage, timeout time.Duration) (Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := payload
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, &TransportError{URL: endpointURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := i.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			err = context.DeadlineExceeded
		}
		return Outcome{Duration: duration}, &TransportError{URL: endpointURL, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	duration = time.Since(start)
	if err != nil {
		return Outcome{Duration: duration}, &TransportError{URL: endpointURL, Err: err}
	}

	return Outcome{
		StatusCode: resp.StatusCode,
		Body:       normalizeBody(resp.Header.Get("Content-Type"), raw),
		Duration:   duration,
	}, nil
}

// normalizeBody keeps declared-JSON responses as-is and wraps anything else
// as an opaque text document.
func normalizeBody(contentType string, raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == "application/json" && json.Valid(raw) {
		return json.RawMessage(raw)
	}
	wrapped, err := json.Marshal(map[string]string{"data": string(raw)})
	if err != nil {
		return nil
	}
	return json.RawMessage(wrapped)
}
