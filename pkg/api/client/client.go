package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the shipyard API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:9000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e APIError) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for field, problem := range e.Fields {
			parts = append(parts, field+": "+problem)
		}
		msg = strings.TrimSpace(msg + " (" + strings.Join(parts, "; ") + ")")
	}
	if msg == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, msg)
}

// NotFound reports whether err is an API 404.
func NotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Project mirrors the API project payload.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GitURL    string    `json:"gitURL"`
	SubDomain string    `json:"subDomain"`
	CreatedAt time.Time `json:"createdAt"`
}

// Deployment mirrors the API deployment payload.
type Deployment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the deployment has finished.
func (d Deployment) Terminal() bool {
	switch d.Status {
	case "READY", "FAILED", "CANCELLED":
		return true
	}
	return false
}

// LogEvent mirrors one stored build log line.
type LogEvent struct {
	EventID      string    `json:"event_id"`
	DeploymentID string    `json:"deployment_id"`
	Log          string    `json:"log"`
	Timestamp    time.Time `json:"timestamp"`
}

type envelope struct {
	Status string `json:"status"`
	Data   struct {
		Project      *Project     `json:"project"`
		DeploymentID string       `json:"deploymentId"`
		Deployment   *Deployment  `json:"deployment"`
		Deployments  []Deployment `json:"deployments"`
	} `json:"data"`
}

// CreateProject registers a repository and returns the project with its subdomain.
func (c *Client) CreateProject(ctx context.Context, name, gitURL string) (*Project, error) {
	var resp envelope
	body := map[string]string{"name": name, "gitURL": gitURL}
	if err := c.do(ctx, http.MethodPost, "/project", body, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Project == nil {
		return nil, errors.New("api response missing project")
	}
	return resp.Data.Project, nil
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var resp envelope
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Project == nil {
		return nil, errors.New("api response missing project")
	}
	return resp.Data.Project, nil
}

// Deploy queues a new deployment of the project.
func (c *Client) Deploy(ctx context.Context, projectID string) (*Deployment, error) {
	var resp envelope
	if err := c.do(ctx, http.MethodPost, "/deploy", map[string]string{"projectId": projectID}, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Deployment != nil {
		return resp.Data.Deployment, nil
	}
	if resp.Data.DeploymentID == "" {
		return nil, errors.New("api response missing deployment id")
	}
	return &Deployment{ID: resp.Data.DeploymentID, ProjectID: projectID, Status: "QUEUED"}, nil
}

// Deployment fetches the current state of a deployment.
func (c *Client) Deployment(ctx context.Context, deploymentID string) (*Deployment, error) {
	var resp envelope
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Deployment == nil {
		return nil, errors.New("api response missing deployment")
	}
	return resp.Data.Deployment, nil
}

// CancelDeployment stops a queued or building deployment.
func (c *Client) CancelDeployment(ctx context.Context, deploymentID string) (*Deployment, error) {
	var resp envelope
	if err := c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(deploymentID)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Deployment, nil
}

// ListDeployments returns a project's deployments, newest first.
func (c *Client) ListDeployments(ctx context.Context, projectID string, limit int) ([]Deployment, error) {
	path := "/projects/" + url.PathEscape(projectID) + "/deployments"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp envelope
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Deployments, nil
}

// Logs returns stored log lines in timestamp order. A non-zero after skips lines at
// or before that instant.
func (c *Client) Logs(ctx context.Context, deploymentID string, after time.Time) ([]LogEvent, error) {
	path := "/logs/" + url.PathEscape(deploymentID)
	if !after.IsZero() {
		path += "?after=" + url.QueryEscape(after.UTC().Format(time.RFC3339Nano))
	}
	var resp struct {
		Logs []LogEvent `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// Subscription is a live feed of one log channel.
type Subscription struct {
	conn      *websocket.Conn
	lines     chan string
	err       error
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

// Lines delivers log lines until the subscription ends.
func (s *Subscription) Lines() <-chan string {
	return s.lines
}

// Err reports why the feed ended once Lines is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.conn.Close()
}

// Subscribe opens the realtime endpoint and joins logs:<key>, where key is a
// deployment id or a project subdomain. It returns after the server confirms.
func (c *Client) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	endpoint, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return nil, err
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	conn, _, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	channel := "logs:" + key
	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "channel": channel}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var ack struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	if ack.Type != "subscribed" {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %s", channel, ack.Error)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub := &Subscription{
		conn:    conn,
		lines:   make(chan string, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go sub.read()
	return sub, nil
}

func (s *Subscription) read() {
	defer close(s.done)
	defer close(s.lines)
	for {
		var frame struct {
			Type string  `json:"type"`
			Log  *string `json:"log"`
		}
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.closing:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
					s.err = err
				}
			}
			return
		}
		// acks and errors carry a type; log frames do not
		if frame.Type != "" || frame.Log == nil {
			continue
		}
		select {
		case s.lines <- *frame.Log:
		case <-s.closing:
			return
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	if body == nil {
		return apiErr
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Fields = payload.Fields
	return apiErr
}
