package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/httpx"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/metrics"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

// Endpoint is one upstream gateway address with its own breaker, so a
// failing primary never poisons the backup's budget.
type Endpoint struct {
	URL     string
	Breaker *Breaker
}

// Client calls the upstream assistant gateway, failing over from the
// primary endpoint to backups on network errors and open breakers.
type Client struct {
	Endpoints  []Endpoint
	AuthToken  string
	HTTPClient *http.Client
}

// Result carries the upstream reply or the stable reason it could not
// be obtained.
type Result struct {
	Status int
	Body   json.RawMessage
	Reason string
}

// OK reports whether the upstream answered with a success status.
func (r Result) OK() bool { return r.Reason == "" && r.Status >= 200 && r.Status < 300 }

func NewClient(endpoints []string, token string, timeout time.Duration, reg *metrics.Registry) *Client {
	eps := make([]Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e != "" {
			eps = append(eps, Endpoint{URL: e, Breaker: New(DefaultFailureThreshold, DefaultCooldown, reg)})
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		Endpoints:  eps,
		AuthToken:  strings.TrimSpace(token),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// EndpointStatus is the diagnostics view of one endpoint's breaker.
type EndpointStatus struct {
	URL              string  `json:"url"`
	State            string  `json:"state"`
	RemainingSeconds float64 `json:"remaining_seconds,omitempty"`
}

func (ep Endpoint) fail() {
	if ep.Breaker != nil {
		ep.Breaker.OnFailure()
	}
}

func (c *Client) Status() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		st := EndpointStatus{URL: ep.URL, State: Closed.String()}
		if ep.Breaker != nil {
			state, remaining := ep.Breaker.Snapshot()
			st.State = state.String()
			st.RemainingSeconds = remaining
		}
		out = append(out, st)
	}
	return out
}

// Do performs one gateway call. Open-breaker endpoints are skipped;
// network errors and 5xx replies count against that endpoint and walk
// on to the next one. The first definitive answer (2xx or
// deterministic 4xx) is returned as-is.
func (c *Client) Do(ctx context.Context, method, path string, payload interface{}) (Result, error) {
	if len(c.Endpoints) == 0 {
		return Result{Reason: models.ReasonUnreachable}, errors.New("no gateway endpoints configured")
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return Result{Reason: models.ReasonInternalFault}, fmt.Errorf("marshal gateway payload: %w", err)
		}
	}
	headers := map[string]string{}
	if c.AuthToken != "" {
		headers["Authorization"] = "Bearer " + c.AuthToken
	}
	if tid := httpx.TraceID(ctx); tid != "" {
		headers["X-Trace-Id"] = tid
	}

	attempted := false
	var lastErr error
	for _, ep := range c.Endpoints {
		if ep.Breaker != nil && !ep.Breaker.Allow() {
			continue
		}
		attempted = true
		status, respBody, err := httpx.RequestJSON(ctx, c.HTTPClient, method, ep.URL+path, body, headers, 0, 0)
		if err != nil {
			lastErr = err
			ep.fail()
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("gateway status %d: %s", status, truncate(respBody, 200))
			ep.fail()
			continue
		}
		res := Result{Status: status, Body: respBody}
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			res.Reason = models.ReasonAuthFailed
		case status == http.StatusNotFound:
			res.Reason = models.ReasonEndpointNotEnabled
		}
		// Deterministic answers do not trip the breaker.
		if ep.Breaker != nil {
			ep.Breaker.OnSuccess()
		}
		return res, nil
	}

	if !attempted {
		return Result{Reason: models.ReasonCircuitOpen}, nil
	}
	return Result{Reason: models.ReasonUnreachable}, lastErr
}

// SubmitTask forwards an approved action to the upstream gateway.
func (c *Client) SubmitTask(ctx context.Context, payload interface{}) (Result, error) {
	return c.Do(ctx, http.MethodPost, "/api/task", payload)
}

// TaskStatus fetches the upstream view of a task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (Result, error) {
	return c.Do(ctx, http.MethodGet, "/api/task/"+taskID, nil)
}

// CancelTask asks the upstream to stop a task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Result, error) {
	return c.Do(ctx, http.MethodPost, "/api/task/"+taskID+"/cancel", nil)
}

// Health checks upstream liveness without consuming breaker budget on
// deterministic failures.
func (c *Client) Health(ctx context.Context) (Result, error) {
	return c.Do(ctx, http.MethodGet, "/api/health", nil)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
