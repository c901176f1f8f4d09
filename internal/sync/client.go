// Package sync provides the client transport to the routesync server and the
// per-entity handlers the scheduler dispatches queue items to.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/models"
)

// ClientConfig holds server connection configuration.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration // ambient transport timeout (default: 15s)
}

// APIClient talks to the routesync server over HTTP.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// NewAPIClient creates a new APIClient.
func NewAPIClient(cfg ClientConfig, tokens TokenSource) *APIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		tokens: tokens,
	}
}

// WithHTTPClient replaces the transport, used by tests against httptest servers.
func (c *APIClient) WithHTTPClient(hc *http.Client) *APIClient {
	c.httpClient = hc
	return c
}

// HealthURL is the endpoint the connectivity prober polls.
func (c *APIClient) HealthURL() string {
	return c.baseURL + "/api/health"
}

// Tokens returns the client's token source.
func (c *APIClient) Tokens() TokenSource {
	return c.tokens
}

func (c *APIClient) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrAuth, "obtain token", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do executes req and decodes a JSON response into out. found is false on 404.
func (c *APIClient) do(req *http.Request, out interface{}) (found bool, err error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// transport failures and timeouts are transient
		return false, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, apperrors.New(apperrors.ErrAuth, fmt.Sprintf("server rejected credentials (%d)", resp.StatusCode))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("server rejected request: %s", strings.TrimSpace(string(body))))
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, apperrors.New(apperrors.ErrNetwork, fmt.Sprintf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if out == nil {
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, apperrors.Wrap(apperrors.ErrNetwork, "decode response", err)
	}
	return true, nil
}

// PostBatch sends items and returns the per-item results in request order.
func (c *APIClient) PostBatch(ctx context.Context, items []models.BatchItem) ([]models.BatchResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/sync", nil, models.BatchRequest{Items: items})
	if err != nil {
		return nil, err
	}
	var resp models.BatchResponse
	found, err := c.do(req, &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.New(apperrors.ErrNetwork, "sync endpoint not found")
	}
	if len(resp.Results) != len(items) {
		return nil, apperrors.New(apperrors.ErrNetwork,
			fmt.Sprintf("server returned %d results for %d items", len(resp.Results), len(items)))
	}
	return resp.Results, nil
}

// GetDelivery fetches the server's delivery record. It returns nil when the
// server has none.
func (c *APIClient) GetDelivery(ctx context.Context, routeID, subscriberID int64) (*models.DeliveryRecord, error) {
	q := url.Values{}
	q.Set("route_id", strconv.FormatInt(routeID, 10))
	q.Set("subscriber_id", strconv.FormatInt(subscriberID, 10))
	req, err := c.newRequest(ctx, http.MethodGet, "/api/deliveries", q, nil)
	if err != nil {
		return nil, err
	}
	var rec models.DeliveryRecord
	found, err := c.do(req, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// GetRoute fetches a route. It returns nil when the server has none.
func (c *APIClient) GetRoute(ctx context.Context, routeID int64) (*models.Route, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/routes/"+strconv.FormatInt(routeID, 10), nil, nil)
	if err != nil {
		return nil, err
	}
	var rt models.Route
	found, err := c.do(req, &rt)
	if err != nil || !found {
		return nil, err
	}
	return &rt, nil
}

// ListRouteDeliveries fetches every delivery of a route, used to reconcile
// after a realtime reconnect.
func (c *APIClient) ListRouteDeliveries(ctx context.Context, routeID int64) ([]*models.DeliveryRecord, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/routes/"+strconv.FormatInt(routeID, 10)+"/deliveries", nil, nil)
	if err != nil {
		return nil, err
	}
	var records []*models.DeliveryRecord
	if _, err := c.do(req, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetWorkingTime fetches a time sheet. It returns nil when the server has none.
func (c *APIClient) GetWorkingTime(ctx context.Context, userID int64, workDate string) (*models.WorkingTime, error) {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(userID, 10))
	q.Set("work_date", workDate)
	req, err := c.newRequest(ctx, http.MethodGet, "/api/working-times", q, nil)
	if err != nil {
		return nil, err
	}
	var wt models.WorkingTime
	found, err := c.do(req, &wt)
	if err != nil || !found {
		return nil, err
	}
	return &wt, nil
}
