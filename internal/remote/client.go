// Package remote is the boundary to the sync counterpart: a reachability
// probe and a JSON-over-HTTP record client. Both are interfaces so the
// engine, scheduler and recovery tiers can run against test doubles.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"offline-sync-service/internal/config"
)

// Probe answers "is the remote service reachable right now". Offline is a
// steady state, not an error, so the answer is a plain bool.
type Probe interface {
	Online(ctx context.Context) bool
}

// Record is a record as the remote side returns it.
type Record struct {
	RecordID   string                 `json:"record_id"`
	RecordType string                 `json:"record_type"`
	WorkerID   string                 `json:"worker_id"`
	Data       map[string]interface{} `json:"data"`
}

type Client interface {
	// Fetch returns the remote copy of a record, or (nil, nil) when the
	// remote has no such record.
	Fetch(ctx context.Context, recordType, id string) (map[string]interface{}, error)
	Create(ctx context.Context, recordType string, data map[string]interface{}) (string, error)
	Update(ctx context.Context, recordType, id string, data map[string]interface{}) error
	// DeviceRecords returns the server's last-synced records for a device,
	// used by the server recovery tier.
	DeviceRecords(ctx context.Context, deviceID, workerID string) ([]Record, error)
	UploadBackup(ctx context.Context, payload []byte) (string, error)
	DownloadBackup(ctx context.Context, location string) ([]byte, error)
}

type HTTPClient struct {
	baseURL        string
	statusEndpoint string
	probeClient    *http.Client
	client         *http.Client
}

func NewHTTPClient(cfg config.RemoteConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:        cfg.BaseURL,
		statusEndpoint: cfg.StatusEndpoint,
		probeClient:    &http.Client{Timeout: cfg.GetProbeTimeout()},
		client:         &http.Client{Timeout: cfg.GetRequestTimeout()},
	}
}

func (c *HTTPClient) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.statusEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body interface{}, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote request failed: %w", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode remote response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, recordType, id string) (map[string]interface{}, error) {
	var data map[string]interface{}
	status, err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/records/%s/%s", c.baseURL, recordType, id), nil, &data)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("remote fetch of %s/%s returned %d", recordType, id, status)
	}
	return data, nil
}

func (c *HTTPClient) Create(ctx context.Context, recordType string, data map[string]interface{}) (string, error) {
	var resp struct {
		RecordID string `json:"record_id"`
	}
	status, err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/records/%s", c.baseURL, recordType), data, &resp)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("remote create of %s returned %d", recordType, status)
	}
	return resp.RecordID, nil
}

func (c *HTTPClient) Update(ctx context.Context, recordType, id string, data map[string]interface{}) error {
	status, err := c.doJSON(ctx, http.MethodPut,
		fmt.Sprintf("%s/api/records/%s/%s", c.baseURL, recordType, id), data, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("remote update of %s/%s returned %d", recordType, id, status)
	}
	return nil
}

func (c *HTTPClient) DeviceRecords(ctx context.Context, deviceID, workerID string) ([]Record, error) {
	var records []Record
	status, err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/devices/%s/records?worker_id=%s", c.baseURL, deviceID, workerID), nil, &records)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("remote device records query returned %d", status)
	}
	return records, nil
}

func (c *HTTPClient) UploadBackup(ctx context.Context, payload []byte) (string, error) {
	var resp struct {
		Location string `json:"location"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/backups", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("backup upload failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		return "", fmt.Errorf("backup upload returned %d", httpResp.StatusCode)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("failed to decode backup response: %w", err)
	}
	return resp.Location, nil
}

func (c *HTTPClient) DownloadBackup(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/backups/%s", c.baseURL, location), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backup download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backup download returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
