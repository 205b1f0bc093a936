// Package proxmox wraps the Proxmox VE REST API for LXC container
// management. Only the operations the agent needs are implemented.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/proxmox-agent/internal/errors"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Container describes one LXC container on the node.
type Container struct {
	VMID   json.Number `json:"vmid"`
	Name   string      `json:"name"`
	Status string      `json:"status"` // "running" or "stopped"
}

// ID returns the container's VMID in string form.
func (c Container) ID() string { return c.VMID.String() }

// Config holds Proxmox client configuration.
type Config struct {
	BaseURL        string // e.g. https://pve.example.com:8006/api2/json
	TokenID        string // user@pam!tokenid
	TokenSecret    string
	Node           string
	InsecureSkipTLS bool
}

// Client wraps the Proxmox VE API.
type Client struct {
	cfg        Config
	httpClient HTTPClient
	logger     zerolog.Logger
}

// NewClient creates a new Proxmox API client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	transport := http.DefaultTransport
	if cfg.InsecureSkipTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
		logger:     logger.With().Str("component", "proxmox").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// do executes an authenticated API request and maps HTTP failures onto the
// agent's error taxonomy.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization",
		fmt.Sprintf("PVEAPIToken=%s=%s", c.cfg.TokenID, c.cfg.TokenSecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("proxmox %s %s: %w", method, path, perrors.ErrTimeout)
		}
		return nil, &perrors.APIError{Service: "proxmox", Message: "request failed", Err: err}
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == 404 {
			return nil, fmt.Errorf("proxmox %s %s: %w", method, path, perrors.ErrNotFound)
		}
		return nil, perrors.NewAPIError("proxmox", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return resp, nil
}

// nodePath builds a path under the configured node.
func (c *Client) nodePath(suffix string) string {
	return fmt.Sprintf("/nodes/%s%s", c.cfg.Node, suffix)
}

// ListContainers lists all LXC containers on the node.
func (c *Client) ListContainers(ctx context.Context) ([]Container, error) {
	resp, err := c.do(ctx, http.MethodGet, c.nodePath("/lxc"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Data []Container `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding container list: %w", err)
	}
	return out.Data, nil
}

// GetContainer returns the current status of one container.
// Returns ErrNotFound if the VMID does not exist on the node.
func (c *Client) GetContainer(ctx context.Context, vmid string) (*Container, error) {
	resp, err := c.do(ctx, http.MethodGet, c.nodePath("/lxc/"+vmid+"/status/current"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Data Container `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding container status: %w", err)
	}
	if out.Data.VMID.String() == "" {
		out.Data.VMID = json.Number(vmid)
	}
	return &out.Data, nil
}

// Exists reports whether the container is present on the node. A 404 is a
// definitive "no"; any other failure propagates so the caller does not
// mistake an outage for a deleted container.
func (c *Client) Exists(ctx context.Context, vmid string) (bool, error) {
	_, err := c.GetContainer(ctx, vmid)
	if err != nil {
		if perrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, vmid string) error {
	resp, err := c.do(ctx, http.MethodPost, c.nodePath("/lxc/"+vmid+"/status/start"))
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.logger.Info().Str("vmid", vmid).Msg("container start requested")
	return nil
}

// StopContainer stops a running container.
func (c *Client) StopContainer(ctx context.Context, vmid string) error {
	resp, err := c.do(ctx, http.MethodPost, c.nodePath("/lxc/"+vmid+"/status/stop"))
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.logger.Info().Str("vmid", vmid).Msg("container stop requested")
	return nil
}

// DeleteContainer deletes a container. Returns ErrNotFound if it is already
// gone, which callers treat as success.
func (c *Client) DeleteContainer(ctx context.Context, vmid string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.nodePath("/lxc/"+vmid))
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.logger.Info().Str("vmid", vmid).Msg("container deleted")
	return nil
}
