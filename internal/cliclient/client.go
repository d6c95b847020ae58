// Package cliclient is the gvmctl-side HTTP client: an http.Client dialing
// gvmd's Unix-domain control socket instead of a TCP address.
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/nyxlabs/gvmd/internal/gvm"
)

// Client talks to a gvmd daemon over its Unix socket.
type Client struct {
	httpClient *http.Client
}

// New returns a Client dialing the daemon listening on socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// apiError mirrors the {"error": {...}} shape the server writes.
type apiError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://gvmd"+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to gvmd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Kind, apiErr.Error.Message)
		}
		return fmt.Errorf("gvmd returned %s: %s", resp.Status, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Create asks gvmd to create a new GVM.
func (c *Client) Create(ctx context.Context, name string, cfg gvm.Config) (*gvm.Record, error) {
	var rec gvm.Record
	body := map[string]any{"name": name, "config": cfg}
	if err := c.do(ctx, http.MethodPost, "/v1/gvms", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns every persisted GVM record.
func (c *Client) List(ctx context.Context) ([]*gvm.Record, error) {
	var recs []*gvm.Record
	if err := c.do(ctx, http.MethodGet, "/v1/gvms", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Get returns a single GVM record by name.
func (c *Client) Get(ctx context.Context, name string) (*gvm.Record, error) {
	var rec gvm.Record
	if err := c.do(ctx, http.MethodGet, "/v1/gvms/"+name, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Destroy deletes a GVM, forcibly stopping it first when force is true.
func (c *Client) Destroy(ctx context.Context, name string, force bool) error {
	path := "/v1/gvms/" + name
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Start starts a created or stopped GVM.
func (c *Client) Start(ctx context.Context, name string) (*gvm.Record, error) {
	var rec gvm.Record
	if err := c.do(ctx, http.MethodPost, "/v1/gvms/"+name+"/start", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Stop stops a running GVM, allowing graceSeconds for a clean shutdown
// before escalating. graceSeconds <= 0 uses the daemon's default.
func (c *Client) Stop(ctx context.Context, name string, graceSeconds int) (*gvm.Record, error) {
	path := "/v1/gvms/" + name + "/stop"
	if graceSeconds > 0 {
		path += fmt.Sprintf("?grace_seconds=%d", graceSeconds)
	}
	var rec gvm.Record
	if err := c.do(ctx, http.MethodPost, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Pause pauses a running GVM.
func (c *Client) Pause(ctx context.Context, name string) (*gvm.Record, error) {
	var rec gvm.Record
	if err := c.do(ctx, http.MethodPost, "/v1/gvms/"+name+"/pause", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Resume resumes a paused GVM.
func (c *Client) Resume(ctx context.Context, name string) (*gvm.Record, error) {
	var rec gvm.Record
	if err := c.do(ctx, http.MethodPost, "/v1/gvms/"+name+"/resume", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Suspend suspends a running or paused GVM to standby.
func (c *Client) Suspend(ctx context.Context, name string) (*gvm.Record, error) {
	var rec gvm.Record
	if err := c.do(ctx, http.MethodPost, "/v1/gvms/"+name+"/suspend", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Reset hard-resets a running or paused GVM.
func (c *Client) Reset(ctx context.Context, name string) (*gvm.Record, error) {
	var rec gvm.Record
	if err := c.do(ctx, http.MethodPost, "/v1/gvms/"+name+"/reset", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Logs returns the full contents of a GVM's serial console log.
func (c *Client) Logs(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://gvmd/v1/gvms/"+name+"/logs", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("connect to gvmd: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr apiError
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("%s: %s", apiErr.Error.Kind, apiErr.Error.Message)
		}
		return "", fmt.Errorf("gvmd returned %s: %s", resp.Status, string(raw))
	}
	raw, err := io.ReadAll(resp.Body)
	return string(raw), err
}

// Stats holds the live CPU and memory counters gvmd queries via QMP.
type Stats struct {
	CPUs []struct {
		CPUIndex int `json:"cpu-index"`
		ThreadID int `json:"thread-id"`
	} `json:"cpus"`
	Memory struct {
		BaseMemory uint64 `json:"base-memory"`
	} `json:"memory"`
}

// Stats returns live CPU and memory counters for a running GVM.
func (c *Client) Stats(ctx context.Context, name string) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/v1/gvms/"+name+"/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
