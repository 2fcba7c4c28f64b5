package httpclient

import "context"

// Response is a minimal HTTP response contract.
type Response interface {
	Body() []byte
	StatusCode() int
}

// Client abstracts HTTP calls so callers can inject mocks or different transports.
// Paths are resolved against the transport's base URL. Post encodes body as JSON.
type Client interface {
	Get(ctx context.Context, path string, headers map[string]string) (Response, error)
	Post(ctx context.Context, path string, body any, headers map[string]string) (Response, error)
}
