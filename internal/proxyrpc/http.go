package proxyrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// httpClient is the default Client implementation: HTTP+JSON against
// a proxy's RPC endpoints. The underlying transport is a
// retryablehttp.Client so transient network failures to a proxy are
// retried with backoff before surfacing as a transport error.
type httpClient struct {
	ep     Endpoint
	base   string
	client *retryablehttp.Client
}

// NewHTTPDialer returns a Dialer that builds retryablehttp-backed
// clients, one per proxy endpoint.
func NewHTTPDialer() Dialer {
	return httpDialer{}
}

type httpDialer struct{}

func (httpDialer) Dial(ep Endpoint) Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 10 * time.Second
	return &httpClient{
		ep:     ep,
		base:   fmt.Sprintf("http://%s:%d", ep.IP, ep.Port),
		client: rc,
	}
}

func (c *httpClient) postJSON(ctx context.Context, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxyrpc: %s %s: %w", c.base, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("proxyrpc: %s %s: http %d: %s", c.base, path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxyrpc: %s %s: %w", c.base, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("proxyrpc: %s %s: http %d", c.base, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpClient) CheckAlive(ctx context.Context, name string) (string, error) {
	var out struct {
		Echo string `json:"echo"`
	}
	if err := c.getJSON(ctx, "/checkalive?name="+name, &out); err != nil {
		return "", err
	}
	return out.Echo, nil
}

func (c *httpClient) EncodeAndSet(ctx context.Context, plan EncodePlan) error {
	return c.postJSON(ctx, "/encodeAndSet", plan, nil)
}

func (c *httpClient) DecodeAndGet(ctx context.Context, plan DecodePlan) error {
	return c.postJSON(ctx, "/decodeAndGet", plan, nil)
}

func (c *httpClient) DeleteBlock(ctx context.Context, plan DeletePlan) (bool, error) {
	var out struct {
		Committed bool `json:"committed"`
	}
	if err := c.postJSON(ctx, "/deleteBlock", plan, &out); err != nil {
		return false, err
	}
	return out.Committed, nil
}

func (c *httpClient) MainRecal(ctx context.Context, plan MainRecalPlan) error {
	return c.postJSON(ctx, "/mainRecal", plan, nil)
}

func (c *httpClient) HelpRecal(ctx context.Context, plan HelpRecalPlan) error {
	return c.postJSON(ctx, "/helpRecal", plan, nil)
}

func (c *httpClient) BlockReloc(ctx context.Context, plan RelocPlan) error {
	return c.postJSON(ctx, "/blockReloc", plan, nil)
}

func (c *httpClient) CheckStep(ctx context.Context, step Step) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.postJSON(ctx, fmt.Sprintf("/checkStep?step=%d", int(step)), nil, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}
