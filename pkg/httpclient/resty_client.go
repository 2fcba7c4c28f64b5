package httpclient

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Options configures a RestyClient.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Token is sent as a bearer Authorization header on every request when set.
	Token   string
	Headers map[string]string
	Logger  resty.Logger
	Debug   bool
}

// RestyClient adapts resty.Client to the httpclient.Client interface.
type RestyClient struct {
	client *resty.Client
}

// NewRestyClientWithOptions creates a RestyClient bound to a base URL with default headers.
func NewRestyClientWithOptions(opts Options) *RestyClient {
	c := newRestyBaseClient(opts.Timeout)
	if base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); base != "" {
		c.SetBaseURL(base)
	}
	if len(opts.Headers) > 0 {
		c.SetHeaders(opts.Headers)
	}
	if token := strings.TrimSpace(opts.Token); token != "" {
		c.SetAuthToken(token)
	}
	if opts.Logger != nil {
		c.SetLogger(opts.Logger)
	}
	c.SetDebug(opts.Debug)
	return &RestyClient{client: c}
}

// NewRestyHTTPClient exposes a configured resty.Client for callers needing custom verbs.
func NewRestyHTTPClient(timeout time.Duration) *resty.Client {
	return newRestyBaseClient(timeout)
}

// newRestyBaseClient creates a new resty.Client with the specified timeout.
func newRestyBaseClient(timeout time.Duration) *resty.Client {
	c := resty.New()
	c.SetTimeout(timeout)
	return c
}

// Get performs an HTTP GET request with the specified context, path, and headers.
func (r *RestyClient) Get(ctx context.Context, path string, headers map[string]string) (Response, error) {
	req := r.client.R().SetContext(ctx)
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	return adapt(req.Get(path))
}

// Post performs an HTTP POST request with body encoded as JSON.
func (r *RestyClient) Post(ctx context.Context, path string, body any, headers map[string]string) (Response, error) {
	req := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json")
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	if body != nil {
		req.SetBody(body)
	}
	return adapt(req.Post(path))
}

// adapt converts a resty result, classifying error statuses into *StatusError.
// The response is returned alongside a StatusError so callers can still read it.
func adapt(resp *resty.Response, err error) (Response, error) {
	if err != nil {
		return nil, err
	}
	out := &restyResponseAdapter{resp: resp}
	if resp.IsError() {
		return out, newStatusError(resp.Request.Method, resp.Request.URL, resp.StatusCode(), resp.Body())
	}
	return out, nil
}

// restyResponseAdapter adapts resty.Response to the httpclient.Response interface.
type restyResponseAdapter struct {
	resp *resty.Response
}

func (r *restyResponseAdapter) Body() []byte    { return r.resp.Body() }
func (r *restyResponseAdapter) StatusCode() int { return r.resp.StatusCode() }
