package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/glkvm-cloud/device-console/internal/domain"
	"github.com/glkvm-cloud/device-console/pkg/httpclient"
	"gopkg.in/yaml.v3"
)

// render writes v as indented JSON or YAML. YAML goes through a JSON round trip
// so both formats share the wire field names.
func render(w io.Writer, format string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if format != "yaml" {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}

// renderResponse prints a JSON response body, or the raw text when the body is
// not JSON.
func renderResponse(w io.Writer, format string, resp httpclient.Response) error {
	if resp == nil || len(resp.Body()) == 0 {
		return render(w, format, map[string]int{"status": statusOf(resp)})
	}
	var body any
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		_, err = fmt.Fprintln(w, strings.TrimSpace(string(resp.Body())))
		return err
	}
	return render(w, format, body)
}

func statusOf(resp httpclient.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode()
}

// consoleMessage extracts the error field of a console error body.
func consoleMessage(body string) string {
	var er domain.ErrorResponse
	if err := json.Unmarshal([]byte(body), &er); err == nil && er.Error != "" {
		return er.Error
	}
	return body
}
