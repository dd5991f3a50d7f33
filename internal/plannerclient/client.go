// Package plannerclient is the HTTP client for the remote planner's REST
// surface: task and task-details CRUD with ETag discipline, plan/bucket
// discovery, and subscription management, all gated by the Token Cache and
// Rate Governor (spec.md §6, §4.2, §4.7.7).
package plannerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/antigravity-dev/taskbridge/internal/ratelimit"
	"github.com/antigravity-dev/taskbridge/internal/syncerr"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
	"github.com/antigravity-dev/taskbridge/internal/token"
)

const requestTimeout = 30 * time.Second

var tracer = otel.Tracer("github.com/antigravity-dev/taskbridge/internal/plannerclient")

// Client talks to the planner's versioned REST base URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     *token.Cache
	governor   *ratelimit.Governor
	scopes     []string
}

// New builds a Client. httpClient may be nil; requestTimeout (30s) is
// applied as the client timeout whenever the client has none of its own.
func New(baseURL string, tokens *token.Cache, governor *ratelimit.Governor, scopes []string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = requestTimeout
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		governor:   governor,
		scopes:     scopes,
	}
}

// doOpts configures a single request beyond method/path/body.
type doOpts struct {
	ifMatch  string
	endpoint string // rate-governor bucket; defaults to path
	query    map[string]string
}

func (c *Client) do(ctx context.Context, spanName, method, path string, body any, opts doOpts) (*http.Response, error) {
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("planner.path", path),
	))
	defer span.End()

	endpoint := opts.endpoint
	if endpoint == "" {
		endpoint = path
	}
	if !c.governor.Acquire(endpoint) {
		return nil, syncerr.New(syncerr.Throttled, fmt.Errorf("rate governor backoff in effect for %s", endpoint))
	}

	tokCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	accessToken, _, err := c.tokens.Acquire(tokCtx, token.KindDelegated, c.scopes)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("plannerclient: acquire token: %w", err)
	}

	url := c.baseURL + path
	if len(opts.query) > 0 {
		q := make([]string, 0, len(opts.query))
		for k, v := range opts.query {
			q = append(q, k+"="+v)
		}
		url += "?" + strings.Join(q, "&")
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("plannerclient: encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.ifMatch != "" {
		req.Header.Set("If-Match", opts.ifMatch)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors aren't a throttle signal either way; don't touch
		// the governor's backoff state.
		return nil, syncerr.New(syncerr.Transient, err)
	}

	status := ratelimit.StatusOK
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		status = ratelimit.StatusThrottled
	}
	c.governor.ReportResult(status, retryAfterOf(resp))

	if resp.StatusCode >= 400 {
		herr := classifyHTTPError(resp)
		resp.Body.Close()
		return nil, herr
	}
	return resp, nil
}

func retryAfterOf(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func classifyHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := string(body)

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return syncerr.New(syncerr.Throttled, fmt.Errorf("status %d", resp.StatusCode))
	case http.StatusPreconditionFailed:
		return syncerr.New(syncerr.PreconditionFailed, fmt.Errorf("status 412"))
	case http.StatusNotFound:
		return syncerr.New(syncerr.NotFound, fmt.Errorf("status 404"))
	case http.StatusForbidden:
		if strings.Contains(text, "MaximumActiveTasksInProject") {
			return syncerr.New(syncerr.CapacityExhausted, fmt.Errorf("%s", text))
		}
		return syncerr.New(syncerr.Forbidden, fmt.Errorf("status 403: %s", text))
	case http.StatusBadRequest:
		return syncerr.New(syncerr.BadRequest, fmt.Errorf("status 400: %s", text))
	default:
		if resp.StatusCode >= 500 {
			return syncerr.New(syncerr.Transient, fmt.Errorf("status %d", resp.StatusCode))
		}
		return syncerr.New(syncerr.Transient, fmt.Errorf("status %d: %s", resp.StatusCode, text))
	}
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// taskFields is the server-side $select projection for task list/get calls
// (spec.md §6: "reads use $select to minimize payload").
const taskFields = "id,planId,bucketId,title,percentComplete,priority,assignments,dueDateTime,createdDateTime,completedDateTime,conversationThreadId,lastModifiedDateTime"

// GetTask fetches a single task with its ETag.
func (c *Client) GetTask(ctx context.Context, taskID string) (taskmodel.PlannerTask, error) {
	resp, err := c.do(ctx, "plannerclient.GetTask", http.MethodGet, "/planner/tasks/"+taskID, nil, doOpts{
		endpoint: "tasks",
		query:    map[string]string{"$select": taskFields},
	})
	if err != nil {
		return taskmodel.PlannerTask{}, err
	}
	var t taskmodel.PlannerTask
	if err := decodeJSON(resp, &t); err != nil {
		return taskmodel.PlannerTask{}, fmt.Errorf("plannerclient: decode task: %w", err)
	}
	t.ETag = resp.Header.Get("ETag")
	return t, nil
}

// GetTaskDetails fetches a task's details sibling (notes + checklist) with
// its own ETag.
func (c *Client) GetTaskDetails(ctx context.Context, taskID string) (taskmodel.PlannerTaskDetails, error) {
	resp, err := c.do(ctx, "plannerclient.GetTaskDetails", http.MethodGet, "/planner/tasks/"+taskID+"/details", nil, doOpts{
		endpoint: "taskDetails",
	})
	if err != nil {
		return taskmodel.PlannerTaskDetails{}, err
	}
	var d taskmodel.PlannerTaskDetails
	if err := decodeJSON(resp, &d); err != nil {
		return taskmodel.PlannerTaskDetails{}, fmt.Errorf("plannerclient: decode details: %w", err)
	}
	d.ETag = resp.Header.Get("ETag")
	return d, nil
}

// ListPlanTasks lists every task in a plan.
func (c *Client) ListPlanTasks(ctx context.Context, planID string) ([]taskmodel.PlannerTask, error) {
	resp, err := c.do(ctx, "plannerclient.ListPlanTasks", http.MethodGet, "/planner/plans/"+planID+"/tasks", nil, doOpts{
		endpoint: "tasks",
		query:    map[string]string{"$select": taskFields},
	})
	if err != nil {
		return nil, err
	}
	var page struct {
		Value []taskmodel.PlannerTask `json:"value"`
	}
	if err := decodeJSON(resp, &page); err != nil {
		return nil, fmt.Errorf("plannerclient: decode task list: %w", err)
	}
	return page.Value, nil
}

// CreateTask creates a new planner task.
func (c *Client) CreateTask(ctx context.Context, t taskmodel.PlannerTask) (taskmodel.PlannerTask, error) {
	resp, err := c.do(ctx, "plannerclient.CreateTask", http.MethodPost, "/planner/tasks", t, doOpts{endpoint: "tasks"})
	if err != nil {
		return taskmodel.PlannerTask{}, err
	}
	var created taskmodel.PlannerTask
	if err := decodeJSON(resp, &created); err != nil {
		return taskmodel.PlannerTask{}, fmt.Errorf("plannerclient: decode created task: %w", err)
	}
	created.ETag = resp.Header.Get("ETag")
	return created, nil
}

// UpdateTask patches an existing task, enforcing optimistic concurrency with
// the stored ETag (spec.md §6).
func (c *Client) UpdateTask(ctx context.Context, taskID, etag string, patch taskmodel.PlannerTask) (newETag string, err error) {
	resp, err := c.do(ctx, "plannerclient.UpdateTask", http.MethodPatch, "/planner/tasks/"+taskID, patch, doOpts{
		endpoint: "tasks",
		ifMatch:  etag,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Header.Get("ETag"), nil
}

// UpdateTaskDetails patches a task's notes/checklist sibling.
func (c *Client) UpdateTaskDetails(ctx context.Context, taskID, etag string, patch taskmodel.PlannerTaskDetails) (newETag string, err error) {
	resp, err := c.do(ctx, "plannerclient.UpdateTaskDetails", http.MethodPatch, "/planner/tasks/"+taskID+"/details", patch, doOpts{
		endpoint: "taskDetails",
		ifMatch:  etag,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Header.Get("ETag"), nil
}

// DeleteTask deletes a task, implementing the If-Match retry-then-wildcard
// fallback from spec.md §4.7.9.
func (c *Client) DeleteTask(ctx context.Context, taskID, etag string) error {
	err := c.deleteWithIfMatch(ctx, taskID, etag)
	if err == nil {
		return nil
	}
	if !syncerr.Is(err, syncerr.PreconditionFailed) {
		return err
	}

	fresh, ferr := c.GetTask(ctx, taskID)
	if ferr != nil {
		if syncerr.Is(ferr, syncerr.NotFound) {
			return nil // already gone
		}
		return fmt.Errorf("plannerclient: refresh etag before delete retry: %w", ferr)
	}

	err = c.deleteWithIfMatch(ctx, taskID, fresh.ETag)
	if err == nil || !syncerr.Is(err, syncerr.PreconditionFailed) {
		return err
	}

	return c.deleteWithIfMatch(ctx, taskID, "*")
}

func (c *Client) deleteWithIfMatch(ctx context.Context, taskID, etag string) error {
	resp, err := c.do(ctx, "plannerclient.DeleteTask", http.MethodDelete, "/planner/tasks/"+taskID, nil, doOpts{
		endpoint: "tasks",
		ifMatch:  etag,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DiscoverPlans lists every plan the service can see.
func (c *Client) DiscoverPlans(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, "plannerclient.DiscoverPlans", http.MethodGet, "/planner/plans", nil, doOpts{endpoint: "plans"})
	if err != nil {
		return nil, err
	}
	var page struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := decodeJSON(resp, &page); err != nil {
		return nil, fmt.Errorf("plannerclient: decode plan list: %w", err)
	}
	ids := make([]string, 0, len(page.Value))
	for _, p := range page.Value {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// PlanTaskCount returns the number of tasks currently in plan planID, used
// by the capacity guard (spec.md §4.7.7).
func (c *Client) PlanTaskCount(ctx context.Context, planID string) (int, error) {
	tasks, err := c.ListPlanTasks(ctx, planID)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// subscriptionBody is the wire shape for the change-notification
// subscription create/renew calls (spec.md §4.5).
type subscriptionBody struct {
	Resource           string `json:"resource,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// CreateSubscription registers a change-notification subscription,
// satisfying subscription.Client (spec.md §4.5).
func (c *Client) CreateSubscription(ctx context.Context, resource, notificationURL, clientState string, expiresAt time.Time, changeType string) (string, error) {
	resp, err := c.do(ctx, "plannerclient.CreateSubscription", http.MethodPost, "/subscriptions", subscriptionBody{
		Resource:           resource,
		ChangeType:         changeType,
		NotificationURL:    notificationURL,
		ClientState:        clientState,
		ExpirationDateTime: taskmodel.FormatGraphTime(expiresAt),
	}, doOpts{endpoint: "subscriptions"})
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp, &created); err != nil {
		return "", fmt.Errorf("plannerclient: decode subscription: %w", err)
	}
	return created.ID, nil
}

// RenewSubscription PATCHes a subscription's expiration forward
// (spec.md §4.5 "Renew").
func (c *Client) RenewSubscription(ctx context.Context, subID string, expiresAt time.Time) error {
	resp, err := c.do(ctx, "plannerclient.RenewSubscription", http.MethodPatch, "/subscriptions/"+subID, subscriptionBody{
		ExpirationDateTime: taskmodel.FormatGraphTime(expiresAt),
	}, doOpts{endpoint: "subscriptions"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteSubscription tears a subscription down (spec.md §4.5 "Teardown").
func (c *Client) DeleteSubscription(ctx context.Context, subID string) error {
	resp, err := c.do(ctx, "plannerclient.DeleteSubscription", http.MethodDelete, "/subscriptions/"+subID, nil, doOpts{endpoint: "subscriptions"})
	if err != nil {
		if syncerr.Is(err, syncerr.NotFound) {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// ErrForbidden reports whether err indicates the tenant forbids the
// subscription shape just attempted, used to trigger the chat subscription's
// global-to-per-chat fallback (spec.md §4.5).
func (c *Client) ErrForbidden(err error) bool {
	return syncerr.Is(err, syncerr.Forbidden)
}

// ListChatIDs enumerates the agent user's chats for the per-chat
// subscription fallback (spec.md §4.5).
func (c *Client) ListChatIDs(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, "plannerclient.ListChatIDs", http.MethodGet, "/chats", nil, doOpts{endpoint: "chats"})
	if err != nil {
		return nil, err
	}
	var page struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := decodeJSON(resp, &page); err != nil {
		return nil, fmt.Errorf("plannerclient: decode chat list: %w", err)
	}
	ids := make([]string, 0, len(page.Value))
	for _, ch := range page.Value {
		ids = append(ids, ch.ID)
	}
	return ids, nil
}

// SubscriptionAdapter narrows a Client to the subscription.Client shape the
// Subscription Manager expects, so that package doesn't need to know the
// richer Client surface (spec.md §4.5).
type SubscriptionAdapter struct{ *Client }

func (a SubscriptionAdapter) Create(ctx context.Context, resource, notificationURL, clientState string, expiresAt time.Time, changeType string) (string, error) {
	return a.Client.CreateSubscription(ctx, resource, notificationURL, clientState, expiresAt, changeType)
}

func (a SubscriptionAdapter) Renew(ctx context.Context, subID string, expiresAt time.Time) error {
	return a.Client.RenewSubscription(ctx, subID, expiresAt)
}

func (a SubscriptionAdapter) Delete(ctx context.Context, subID string) error {
	return a.Client.DeleteSubscription(ctx, subID)
}

// Do implements httpsurface.Upstream: a thin pass-through HTTP call against
// the same versioned base URL, gated by the same token cache and rate
// governor as every other planner call (spec.md §4.8).
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (int, http.Header, io.ReadCloser, error) {
	endpoint := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
	if !c.governor.Acquire(endpoint) {
		return 0, nil, nil, syncerr.New(syncerr.Throttled, fmt.Errorf("rate governor backoff in effect for %s", endpoint))
	}

	tokCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	accessToken, _, err := c.tokens.Acquire(tokCtx, token.KindDelegated, c.scopes)
	cancel()
	if err != nil {
		return 0, nil, nil, fmt.Errorf("plannerclient: acquire token for proxy call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, syncerr.New(syncerr.Transient, err)
	}
	c.governor.ReportResult(ratelimit.StatusOK, 0)
	return resp.StatusCode, resp.Header, resp.Body, nil
}
