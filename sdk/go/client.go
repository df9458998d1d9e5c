package opexsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Opex HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Step is one approver slot of a request's chain.
type Step struct {
	Role      string     `json:"role"`
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Status    string     `json:"status,omitempty"`
	Comments  string     `json:"comments,omitempty"`
	DecidedAt *time.Time `json:"approvedAt,omitempty"`
}

// Identity is a person reachable by e-mail.
type Identity struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Request represents the API request model (partial).
type Request struct {
	ID                   string            `json:"id"`
	Store                string            `json:"store"`
	Category             string            `json:"category"`
	Description          string            `json:"description,omitempty"`
	NeededBy             string            `json:"needed_by,omitempty"`
	Attributes           map[string]string `json:"attributes,omitempty"`
	Requester            Identity          `json:"requester"`
	Chain                []Step            `json:"approval_chain"`
	CurrentStep          int               `json:"current_step"`
	OverallStatus        string            `json:"overall_status"`
	CurrentApproverEmail string            `json:"current_approver_email,omitempty"`
	CreatedAt            string            `json:"created_at"`
}

// HistoryEntry is one decided step.
type HistoryEntry struct {
	StepIndex     int       `json:"stepIndex"`
	Role          string    `json:"role"`
	ApproverEmail string    `json:"approverEmail"`
	Action        string    `json:"action"`
	Comments      string    `json:"comments,omitempty"`
	ActionDate    time.Time `json:"actionDate"`
}

type Snapshot struct {
	Request Request        `json:"request"`
	History []HistoryEntry `json:"history"`
}

// NewRequest is the submission payload.
type NewRequest struct {
	Store       string              `json:"store"`
	Category    string              `json:"category"`
	Description string              `json:"description,omitempty"`
	NeededBy    string              `json:"needed_by,omitempty"`
	Attributes  map[string]string   `json:"attributes,omitempty"`
	Requester   *Identity           `json:"requester,omitempty"`
	Selections  map[string]Identity `json:"selections,omitempty"`
}

type CreateResult struct {
	Request      Request  `json:"request"`
	DroppedRoles []string `json:"dropped_roles,omitempty"`
}

// DecisionResult is returned by both decision routes.
type DecisionResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	RequestID    string `json:"requestId"`
	Status       string `json:"status"`
	NextApprover string `json:"nextApprover,omitempty"`
}

// ListOptions filters ListRequests.
type ListOptions struct {
	Status    string
	Store     string
	Approver  string
	Requester string
	Limit     int
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateRequest submits a request.
func (c *Client) CreateRequest(ctx context.Context, in NewRequest) (CreateResult, error) {
	var resp CreateResult
	err := c.do(ctx, http.MethodPost, c.apiPath("requests"), in, &resp)
	return resp, err
}

// GetRequest fetches a request with its history.
func (c *Client) GetRequest(ctx context.Context, id string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, c.apiPath("requests/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListRequests lists requests, newest first.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) ([]Request, error) {
	q := url.Values{}
	for k, v := range map[string]string{"status": opts.Status, "store": opts.Store, "approver": opts.Approver, "requester": opts.Requester} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	endpoint := c.apiPath("requests")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Request
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Decide approves or rejects as the authenticated caller.
func (c *Client) Decide(ctx context.Context, id, action, comments string) (DecisionResult, error) {
	body := map[string]any{"action": action, "comments": comments}
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, c.apiPath("requests/"+url.PathEscape(id)+"/decision"), body, &resp)
	return resp, err
}

// DecideByLink posts to the public decision route the way an e-mailed link
// does. Pass the token for signed links, the e-mail otherwise.
func (c *Client) DecideByLink(ctx context.Context, id, action, email, token, comments string) (DecisionResult, error) {
	body := map[string]any{"action": action, "comments": comments}
	if token != "" {
		body["token"] = token
	} else {
		body["email"] = email
	}
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, "public/requests/"+url.PathEscape(id)+"/decision", body, &resp)
	return resp, err
}

// PreviewRoles returns the approver roles the active rules produce.
func (c *Client) PreviewRoles(ctx context.Context, store, category string, attrs map[string]string) ([]string, error) {
	body := map[string]any{"store": store, "category": category, "attributes": attrs}
	var resp struct {
		Roles []string `json:"roles"`
	}
	err := c.do(ctx, http.MethodPost, c.apiPath("rules/preview"), body, &resp)
	return resp.Roles, err
}

// Me describes the authenticated principal.
type Me struct {
	UserID      string   `json:"user_id,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Via         string   `json:"via"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, c.apiPath("me"), nil, &resp)
	return resp, err
}

// SweepReport counts what one escalation sweep did.
type SweepReport struct {
	StaleRequests    int `json:"stale_requests"`
	OverdueActions   int `json:"overdue_actions"`
	Opened           int `json:"opened"`
	AlreadyEscalated int `json:"already_escalated"`
}

// Sweep runs the escalation sweep now.
func (c *Client) Sweep(ctx context.Context) (SweepReport, error) {
	var resp SweepReport
	err := c.do(ctx, http.MethodPost, c.apiPath("escalations/sweep"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
