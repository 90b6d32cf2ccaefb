package parentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"filevault/internal/servicetoken"
)

// Audience is the service-token audience expected by the parent service.
const Audience = "parents"

// Client asks the service that owns parent entities (orders, tickets, ...)
// whether a user is linked to one.
type Client struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// NewClient builds a client. signer may be nil when the parent service is
// reachable only on a trusted network.
func NewClient(baseURL string, signer *servicetoken.Signer) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("parent service URL required")
	}
	return &Client{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// CanAccess reports whether userID may see files attached to parentRef.
// Unknown parents are treated as inaccessible.
func (c *Client) CanAccess(ctx context.Context, parentRef, userID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/internal/parents/%s/members/%s", c.baseURL, url.PathEscape(parentRef), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	if c.signer != nil {
		token, err := c.signer.Sign(Audience)
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("parent service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return false, fmt.Errorf("parent service error: %s", msg)
	}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode parent access: %w", err)
	}
	return out.Allowed, nil
}
