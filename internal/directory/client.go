package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/charlie0129/timelog-core/internal/apperr"
	"github.com/charlie0129/timelog-core/internal/models"
)

// Client talks to an external task/user service over HTTP.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL, token, proxyURL string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyURL != "" && proxyURL != "false" {
		if proxyParsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyParsed)
		}
	}

	return &Client{
		token:   token,
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	reqURL, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return nil, err
	}

	q := reqURL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, err
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageUnavailable, "directory request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageUnavailable, "read directory response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.Newf(apperr.CodeNotFound, "%s not found in directory", endpoint)
	case resp.StatusCode >= 500:
		slog.Error("directory api error", "status", resp.StatusCode, "body", string(body))
		return nil, apperr.Newf(apperr.CodeStorageUnavailable, "directory returned status %d", resp.StatusCode)
	}
	slog.Error("directory api error", "status", resp.StatusCode, "body", string(body))
	return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
}

// --- API Response Types ---

type TaskResponse struct {
	Data models.Task `json:"data"`
}

type UserResponse struct {
	Data models.User `json:"data"`
}

type AllocationResponse struct {
	Data []models.Allocation `json:"data"`
}

// --- API Methods ---

func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	body, err := c.doRequest(ctx, "/tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var resp TaskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*models.User, error) {
	body, err := c.doRequest(ctx, "/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var resp UserResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *Client) GetActiveAllocations(ctx context.Context, projectID string) ([]models.Allocation, error) {
	params := map[string]string{"active": "true"}
	body, err := c.doRequest(ctx, "/projects/"+url.PathEscape(projectID)+"/allocations", params)
	if err != nil {
		return nil, err
	}

	var resp AllocationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Data {
		if resp.Data[i].ProjectID == "" {
			resp.Data[i].ProjectID = projectID
		}
	}
	return activeOnly(resp.Data), nil
}
