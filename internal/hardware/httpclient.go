package hardware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/labflow/pkg/schema"
)

const (
	maxResponseBody       = 1 << 20
	defaultHealthTimeout  = 5 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// jsonClient talks JSON to a device controller's HTTP API.
type jsonClient struct {
	family  schema.Family
	baseURL string
	http    *http.Client
	header  http.Header
}

func newJSONClient(family schema.Family, baseURL string, hc *http.Client) *jsonClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &jsonClient{
		family:  family,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		header:  http.Header{},
	}
}

// health returns nil when GET path answers 200.
func (c *jsonClient) health(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
	defer cancel()
	status, _, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return schema.NewErrorf(schema.ErrCodeDevice, "%s health check returned %d", c.family, status).
			WithDetails(map[string]any{"url": c.baseURL + path, "status": status})
	}
	return nil
}

// post sends body to path and decodes a JSON reply into out when out is
// non-nil. Non-2xx replies are DEVICE_ERROR.
func (c *jsonClient) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()
	status, raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return schema.NewErrorf(schema.ErrCodeDevice, "%s %s returned %d", c.family, path, status).
			WithDetails(map[string]any{"status": status, "body": truncate(string(raw), 512)})
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeProtocol, "%s %s: decode reply: %s", c.family, path, err).
			WithCause(err)
	}
	return nil
}

func (c *jsonClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, schema.NewErrorf(schema.ErrCodeConfiguration, "%s request: %s", c.family, err).WithCause(err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		code := schema.ErrCodeDevice
		if ctx.Err() != nil {
			code = schema.ErrCodeProtocolTimeout
		}
		return 0, nil, schema.NewErrorf(code, "%s %s %s: %s", c.family, method, path, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, schema.NewErrorf(schema.ErrCodeConnectionLost, "%s read reply: %s", c.family, err).WithCause(err)
	}
	return resp.StatusCode, raw, nil
}

// baseURLFrom builds a controller URL from connection.url or from
// protocol, ip and port.
func baseURLFrom(conn params, defaultIP string, defaultPort int) (string, error) {
	if u, err := conn.str("url", ""); err != nil || u != "" {
		return u, err
	}
	protocol, err := conn.str("protocol", "http")
	if err != nil {
		return "", err
	}
	ip, err := conn.str("ip", defaultIP)
	if err != nil {
		return "", err
	}
	port, err := conn.int("port", defaultPort)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s:%d", protocol, ip, port), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
