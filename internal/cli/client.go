package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/javanstorm/vmdeck/internal/dispatch"
)

// errDaemonUnavailable means nothing answered on the daemon address.
var errDaemonUnavailable = errors.New("vmdeck daemon is not running")

// daemonClient talks to the HTTP surface of 'vmdeck serve'.
type daemonClient struct {
	base string
	http *http.Client
}

func newDaemonClient(addr string) *daemonClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &daemonClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Open hands a command link to the daemon.
func (c *daemonClient) Open(ctx context.Context, link string) error {
	form := url.Values{"url": {link}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/open", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return responseError(resp)
	}
	return nil
}

// Machines returns every machine the daemon manages.
func (c *daemonClient) Machines(ctx context.Context) ([]dispatch.MachineStatus, error) {
	var out []dispatch.MachineStatus
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Machine returns the detailed status of one machine.
func (c *daemonClient) Machine(ctx context.Context, name string) (*dispatch.MachineStatus, error) {
	var out dispatch.MachineStatus
	if err := c.getJSON(ctx, "/status?name="+url.QueryEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *daemonClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *daemonClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && !uerr.Timeout() {
			return nil, fmt.Errorf("%w at %s: %v", errDaemonUnavailable, c.base, uerr.Err)
		}
		return nil, err
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("daemon: %s (HTTP %d)", msg, resp.StatusCode)
}
