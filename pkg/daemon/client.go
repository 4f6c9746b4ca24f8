package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/youwol/ywinfra/pkg/dynconfig"
	"github.com/youwol/ywinfra/pkg/history"
	"github.com/youwol/ywinfra/pkg/lifecycle"
	"github.com/youwol/ywinfra/pkg/status"
)

// OperationTimeout bounds install and upgrade calls, which wait for the chart tool
const OperationTimeout = 10 * time.Minute

// APIClient is a client for the daemon API
type APIClient struct {
	baseURL string
	client  *http.Client
	long    *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(addr string) *APIClient {
	return &APIClient{
		baseURL: fmt.Sprintf("http://%s", addr),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		long: &http.Client{
			Timeout: OperationTimeout,
		},
	}
}

// GetStatus gets the daemon status
func (c *APIClient) GetStatus() (*Status, error) {
	var s Status
	if err := c.get("/api/v1/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Environment returns the live configuration as served by the daemon
func (c *APIClient) Environment() (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get("/api/v1/environment", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Switch asks the daemon to switch configuration. A rejected switch is not an
// error: the returned status carries the failed checks.
func (c *APIClient) Switch(path string) (*dynconfig.LoadingStatus, error) {
	var st dynconfig.LoadingStatus
	if err := c.post(c.long, "/api/v1/environment/switch", SwitchRequest{Path: path}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// FolderContent lists a folder of the daemon host
func (c *APIClient) FolderContent(path []string) (*dynconfig.FolderContent, error) {
	var content dynconfig.FolderContent
	if err := c.post(c.client, "/api/v1/environment/folder-content", dynconfig.FolderContentRequest{Path: path}, &content); err != nil {
		return nil, err
	}
	return &content, nil
}

// Packages lists the declared packages
func (c *APIClient) Packages() (*PackagesResponse, error) {
	var resp PackagesResponse
	if err := c.get("/api/v1/packages", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Statuses probes every declared package
func (c *APIClient) Statuses() ([]status.PackageStatus, error) {
	var statuses []status.PackageStatus
	if err := c.get("/api/v1/packages/status", &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// PackageStatus probes one package
func (c *APIClient) PackageStatus(namespace, name string) (*status.PackageStatus, error) {
	var s status.PackageStatus
	if err := c.get(packagePath(namespace, name, "status"), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Install installs a package unless it is already installed
func (c *APIClient) Install(namespace, name string) (*lifecycle.Result, error) {
	var res lifecycle.Result
	if err := c.post(c.long, packagePath(namespace, name, "install"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Upgrade upgrades a package
func (c *APIClient) Upgrade(namespace, name string) (*lifecycle.Result, error) {
	var res lifecycle.Result
	if err := c.post(c.long, packagePath(namespace, name, "upgrade"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// History lists recorded operations, most recent first
func (c *APIClient) History(f history.Filter) ([]history.OperationRecord, error) {
	q := url.Values{}
	if f.Operation != "" {
		q.Set("operation", f.Operation)
	}
	if f.Target != "" {
		q.Set("target", f.Target)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/v1/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var records []history.OperationRecord
	if err := c.get(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Shutdown sends shutdown request to daemon
func (c *APIClient) Shutdown() error {
	return c.post(c.client, "/api/v1/shutdown", nil, nil)
}

// IsHealthy checks if the daemon is healthy
func (c *APIClient) IsHealthy() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func packagePath(namespace, name, action string) string {
	return fmt.Sprintf("/api/v1/packages/%s/%s/%s", url.PathEscape(namespace), url.PathEscape(name), action)
}

func (c *APIClient) get(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

// post sends a POST request
func (c *APIClient) post(client *http.Client, path string, data, out any) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	resp, err := client.Post(c.baseURL+path, "application/json", body)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
