package api

import (
	"bytes"
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

	"github.com/geo-mak/autonomic-playground/pkg/manager"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
)

// DefaultServerURL is where clients look for a server by default.
const DefaultServerURL = "http://127.0.0.1:8000"

// Client talks to a Server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its timeout also
// bounds state streams, so it should be zero for long invocations.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Controllers lists every controller with its operations.
func (c *Client) Controllers(ctx context.Context) ([]manager.ControllerInfo, error) {
	var out []manager.ControllerInfo
	err := c.do(ctx, http.MethodGet, "/controllers", nil, &out)
	return out, err
}

// Operations lists the operations of a controller.
func (c *Client) Operations(ctx context.Context, controllerID string) ([]manager.OperationInfo, error) {
	var out []manager.OperationInfo
	err := c.do(ctx, http.MethodGet, "/controllers/"+url.PathEscape(controllerID)+"/operations", nil, &out)
	return out, err
}

// Operation returns one operation.
func (c *Client) Operation(ctx context.Context, controllerID, operationID string) (manager.OperationInfo, error) {
	var out manager.OperationInfo
	err := c.do(ctx, http.MethodGet, operationPath(controllerID, operationID, ""), nil, &out)
	return out, err
}

// Active lists the operations of a controller with an invocation in flight.
func (c *Client) Active(ctx context.Context, controllerID string) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/controllers/"+url.PathEscape(controllerID)+"/active", nil, &out)
	return out, err
}

// Activate starts an invocation and calls onState for every state until the
// terminal one. params is encoded as JSON; nil sends no parameters.
func (c *Client) Activate(ctx context.Context, controllerID, operationID string, params any, onState func(operation.OpState)) error {
	var req ActivateRequest
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode parameters: %w", err)
		}
		req.Parameters = raw
	}

	resp, err := c.send(ctx, http.MethodPost, operationPath(controllerID, operationID, "/activate"), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := NewDecoder(resp.Body)
	for {
		state, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("state stream ended without a terminal state")
		}
		if err != nil {
			return err
		}
		onState(state)
		if state.IsTerminal() {
			return nil
		}
	}
}

// Abort cancels the invocation in flight.
func (c *Client) Abort(ctx context.Context, controllerID, operationID string) error {
	return c.control(ctx, controllerID, operationID, "/abort")
}

// Lock locks an operation.
func (c *Client) Lock(ctx context.Context, controllerID, operationID string) error {
	return c.control(ctx, controllerID, operationID, "/lock")
}

// Unlock unlocks an operation.
func (c *Client) Unlock(ctx context.Context, controllerID, operationID string) error {
	return c.control(ctx, controllerID, operationID, "/unlock")
}

// ActivateSensor starts the sensor of an operation.
func (c *Client) ActivateSensor(ctx context.Context, controllerID, operationID string) error {
	return c.control(ctx, controllerID, operationID, "/sensor/activate")
}

// DeactivateSensor stops the sensor of an operation.
func (c *Client) DeactivateSensor(ctx context.Context, controllerID, operationID string) error {
	return c.control(ctx, controllerID, operationID, "/sensor/deactivate")
}

// History returns the latest journal records of an operation.
func (c *Client) History(ctx context.Context, controllerID, operationID string, limit int) ([]manager.Record, error) {
	path := operationPath(controllerID, operationID, "/history")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []manager.Record
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ChangeState overwrites the resource of a drift controller.
func (c *Client) ChangeState(ctx context.Context, controllerID, value string) error {
	return c.do(ctx, http.MethodPost, "/change_state/"+url.PathEscape(controllerID), value, nil)
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) control(ctx context.Context, controllerID, operationID, action string) error {
	return c.do(ctx, http.MethodPost, operationPath(controllerID, operationID, action), nil, nil)
}

func operationPath(controllerID, operationID, suffix string) string {
	return "/controllers/" + url.PathEscape(controllerID) + "/operations/" + url.PathEscape(operationID) + suffix
}

// do sends a request and decodes a JSON response into out, if not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// send performs a request and turns non-2xx responses into *ErrorResponse.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &ErrorResponse{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	apiErr.Status = resp.StatusCode
	return nil, apiErr
}

// WaitReady polls Health until the server answers or ctx is done.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
