package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds individual coordinator calls when the
// configuration does not say otherwise.
const DefaultRequestTimeout = 30 * time.Second

// HTTPConfig configures the HTTP coordinator client.
type HTTPConfig struct {
	// Server is the coordinator base URL.
	Server string

	// Username and Password authenticate via HTTP basic auth. Both empty
	// means anonymous.
	Username string
	Password string

	// RequestTimeout bounds each call. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// HTTPClient implements Client over the coordinator's HTTP/JSON API.
type HTTPClient struct {
	base     *url.URL
	username string
	password string
	http     *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates the config and builds a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.Server, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse coordinator URL %q: %w", cfg.Server, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("coordinator URL %q: scheme must be http or https", cfg.Server)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &HTTPClient{
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

// Claim implements Client.
func (c *HTTPClient) Claim(ctx context.Context, req ClaimRequest) (*Claim, error) {
	const op, path = "Claim", "/worker/claim"

	resp, err := c.post(ctx, op, path, req)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		var claim Claim
		if err := json.NewDecoder(resp.Body).Decode(&claim); err != nil {
			return nil, &APIError{Op: op, Path: path, Err: fmt.Errorf("decode claim: %w", err)}
		}
		return &claim, nil
	case http.StatusNoContent:
		// No schedulable work right now.
		return nil, nil
	default:
		return nil, c.statusError(op, path, resp)
	}
}

// Renew implements Client.
func (c *HTTPClient) Renew(ctx context.Context, leaseID string) (*Lease, error) {
	op := "Renew"
	path := "/leases/" + url.PathEscape(leaseID) + "/renew"

	resp, err := c.post(ctx, op, path, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		var lease Lease
		if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
			return nil, &APIError{Op: op, Path: path, Err: fmt.Errorf("decode lease: %w", err)}
		}
		return &lease, nil
	case http.StatusConflict, http.StatusGone, http.StatusNotFound:
		// The coordinator no longer recognizes this worker as the owner.
		return nil, &APIError{Op: op, Path: path, Status: resp.StatusCode, Err: ErrLeaseLost}
	default:
		return nil, c.statusError(op, path, resp)
	}
}

// Release implements Client.
func (c *HTTPClient) Release(ctx context.Context, leaseID string, result *Result) error {
	op := "Release"
	path := "/leases/" + url.PathEscape(leaseID) + "/release"

	resp, err := c.post(ctx, op, path, result)
	if err != nil {
		return err
	}
	defer drainClose(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict, http.StatusGone, http.StatusNotFound:
		// Already released or reassigned; release is idempotent.
		return nil
	default:
		return c.statusError(op, path, resp)
	}
}

// FetchDependency implements Client. The caller owns the returned body.
func (c *HTTPClient) FetchDependency(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	op := "FetchDependency"
	path := "/artifacts/" + url.PathEscape(hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return nil, 0, &APIError{Op: op, Path: path, Err: err}
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &APIError{Op: op, Path: path, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case http.StatusNotFound:
		drainClose(resp)
		return nil, 0, &APIError{Op: op, Path: path, Status: http.StatusNotFound, Err: ErrNotFound}
	default:
		err := c.statusError(op, path, resp)
		drainClose(resp)
		return nil, 0, err
	}
}

func (c *HTTPClient) post(ctx context.Context, op, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &APIError{Op: op, Path: path, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, body)
	if err != nil {
		return nil, &APIError{Op: op, Path: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Op: op, Path: path, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	return resp, nil
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

// statusError maps a non-success HTTP status onto the error taxonomy.
func (c *HTTPClient) statusError(op, path string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	var base error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		base = ErrInvalidCredentials
	case resp.StatusCode == http.StatusNotFound:
		base = ErrNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		base = ErrUnavailable
	default:
		base = fmt.Errorf("unexpected response")
	}

	return &APIError{
		Op:     op,
		Path:   path,
		Status: resp.StatusCode,
		Err:    fmt.Errorf("%w: %s", base, strings.TrimSpace(string(msg))),
	}
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
