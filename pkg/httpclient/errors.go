package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

const maxSnippetBytes = 512

// StatusError reports a response whose status code is 4xx or 5xx.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func newStatusError(method, url string, code int, body []byte) *StatusError {
	return &StatusError{Method: method, URL: url, Code: code, Body: BodySnippet(body)}
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: http status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("%s %s: http status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// StatusCode extracts the HTTP status code carried by err, if any.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	code, ok := StatusCode(err)
	return ok && code == http.StatusNotFound
}

// BodySnippet trims a response body for inclusion in error messages.
func BodySnippet(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if len(body) > maxSnippetBytes {
		cut := maxSnippetBytes
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return strings.TrimSpace(string(body))
}

// DecodeJSON unmarshals the response body into v.
func DecodeJSON(resp Response, v any) error {
	if resp == nil {
		return errors.New("nil response")
	}
	body := resp.Body()
	if len(body) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(body, v)
}
