// Package api implements the HTTP client for the remote ingestion service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dtup/internal/core"
)

// Client talks the ingestion service contract. All failures are classified
// into the engine taxonomy: ErrAuthRejected for authorization refusals,
// TransientError for timeouts, connection failures and 5xx responses.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ core.IngestAPI = (*Client)(nil)

// NewClient creates a client for the service at baseURL. timeout bounds each
// individual request; chunk uploads of tens of MiB need a generous value.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type credentialResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*core.Credential, error) {
	body := map[string]string{"email": email, "password": password}
	resp, err := c.postJSON(ctx, c.baseURL+"/auth/login", "", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("invalid email or password")
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return c.decodeCredential(resp.Body)
}

// Refresh exchanges the refresh token for fresh credentials. A rejected
// refresh token surfaces as ErrReauthRequired: the batch must pause and ask
// for a new login.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*core.Credential, error) {
	body := map[string]string{"refresh_token": refreshToken}
	resp, err := c.postJSON(ctx, c.baseURL+"/auth/refresh", "", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, core.ErrReauthRequired
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	return c.decodeCredential(resp.Body)
}

func (c *Client) CreateUpload(ctx context.Context, token string, req core.CreateUploadRequest) (string, error) {
	resp, err := c.postJSON(ctx, c.baseURL+"/uploads", token, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return "", fmt.Errorf("creating upload: %w", err)
	}

	var out struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding upload id: %w", err)
	}
	if out.UploadID == "" {
		return "", fmt.Errorf("service returned no upload id")
	}
	return out.UploadID, nil
}

// UploadedBytes asks the service how much of an upload it has durably
// received, reported via the Upload-Offset response header.
func (c *Client) UploadedBytes(ctx context.Context, token, uploadID string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/uploads/"+uploadID, nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req, token)

	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return 0, fmt.Errorf("querying upload offset: %w", err)
	}

	offset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing Upload-Offset header: %w", err)
	}
	return offset, nil
}

func (c *Client) PutChunk(ctx context.Context, token, uploadID string, offset int64, data []byte) (int64, error) {
	url := fmt.Sprintf("%s/uploads/%s?offset=%d", c.baseURL, uploadID, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	c.authorize(req, token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return 0, fmt.Errorf("sending chunk at offset %d: %w", offset, err)
	}

	var out struct {
		BytesReceived int64 `json:"bytes_received"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding chunk ack: %w", err)
	}
	return out.BytesReceived, nil
}

func (c *Client) CompleteUpload(ctx context.Context, token, uploadID string) (*core.UploadSummary, error) {
	resp, err := c.postJSON(ctx, c.baseURL+"/uploads/"+uploadID+"/complete", token, struct{}{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("completing upload: %w", err)
	}

	var summary core.UploadSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("decoding upload summary: %w", err)
	}
	return &summary, nil
}

func (c *Client) TriggerProcessing(ctx context.Context, token string, req core.ProcessRequest) error {
	resp, err := c.postJSON(ctx, c.baseURL+"/process", token, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return fmt.Errorf("triggering processing: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url, token string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, token)
	return c.do(req)
}

func (c *Client) authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// do performs the request, wrapping network-level failures as transient.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, core.Transient(err)
	}
	return resp, nil
}

// checkStatus maps non-2xx responses into the engine taxonomy. The caller
// still owns the body.
func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.ErrAuthRejected
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return core.Transient(fmt.Errorf("service returned %s", resp.Status))
	}
	return fmt.Errorf("service returned %s: %s", resp.Status, readDetail(resp.Body))
}

// readDetail extracts a short error description from a response body.
func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no detail"
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && body.Detail != "" {
		return body.Detail
	}
	return strings.TrimSpace(string(data))
}

func (c *Client) decodeCredential(r io.Reader) (*core.Credential, error) {
	var cr credentialResponse
	if err := json.NewDecoder(r).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	if cr.AccessToken == "" {
		return nil, fmt.Errorf("no access token in response")
	}
	if cr.ExpiresIn <= 0 {
		cr.ExpiresIn = 3600
	}
	return &core.Credential{
		AccessToken:  cr.AccessToken,
		RefreshToken: cr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(cr.ExpiresIn) * time.Second),
	}, nil
}
