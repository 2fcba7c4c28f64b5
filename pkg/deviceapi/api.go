// Package deviceapi exposes the console's device endpoints as typed calls over a
// shared httpclient.Client. Each call issues exactly one request; timeouts, status
// classification and retries are left to the transport.
package deviceapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/glkvm-cloud/device-console/internal/domain"
	"github.com/glkvm-cloud/device-console/pkg/httpclient"
)

const (
	PathDevices      = "/devs"
	PathScriptInfo   = "/get/scriptInfo"
	PathCommand      = "/cmd/"
	PathUpdateDevice = "/devs/update"
	PathDeleteDevice = "/devs/delete"
)

// ErrNoTransport is returned by every call on an API built without a client.
var ErrNoTransport = errors.New("deviceapi: no http transport configured")

// API is the device management client.
type API struct {
	client  httpclient.Client
	headers map[string]string
}

// Option customizes an API.
type Option func(*API)

// WithHeaders attaches headers to every request issued by the API.
func WithHeaders(headers map[string]string) Option {
	return func(a *API) {
		if len(headers) == 0 {
			return
		}
		a.headers = make(map[string]string, len(headers))
		for k, v := range headers {
			a.headers[k] = v
		}
	}
}

// New returns an API bound to the given transport.
func New(client httpclient.Client, opts ...Option) *API {
	a := &API{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// ListDevices fetches the device list.
func (a *API) ListDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	if a == nil || a.client == nil {
		return nil, ErrNoTransport
	}
	resp, err := a.client.Get(ctx, PathDevices, a.headers)
	if err != nil {
		return nil, err
	}
	var devices []domain.DeviceInfo
	if err := httpclient.DecodeJSON(resp, &devices); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}
	return devices, nil
}

// AddDeviceScriptInfo fetches the enrollment script descriptor.
func (a *API) AddDeviceScriptInfo(ctx context.Context) (domain.ScriptInfo, error) {
	if a == nil || a.client == nil {
		return domain.ScriptInfo{}, ErrNoTransport
	}
	resp, err := a.client.Get(ctx, PathScriptInfo, a.headers)
	if err != nil {
		return domain.ScriptInfo{}, err
	}
	var info domain.ScriptInfo
	if err := httpclient.DecodeJSON(resp, &info); err != nil {
		return domain.ScriptInfo{}, fmt.Errorf("decode script info: %w", err)
	}
	return info, nil
}

// ExecuteCommand posts params to the device's command endpoint. ID, Group and Wait
// are embedded in the URL; the whole params object is the body.
func (a *API) ExecuteCommand(ctx context.Context, params domain.ExecuteCommandParams) (httpclient.Response, error) {
	if a == nil || a.client == nil {
		return nil, ErrNoTransport
	}
	return a.client.Post(ctx, CommandPath(params), params, a.headers)
}

// EditDescription updates a device description.
func (a *API) EditDescription(ctx context.Context, req domain.EditDescriptionRequest) (httpclient.Response, error) {
	if a == nil || a.client == nil {
		return nil, ErrNoTransport
	}
	return a.client.Post(ctx, PathUpdateDevice, req, a.headers)
}

// DeleteDevice removes a device.
func (a *API) DeleteDevice(ctx context.Context, req domain.DeleteDeviceRequest) (httpclient.Response, error) {
	if a == nil || a.client == nil {
		return nil, ErrNoTransport
	}
	return a.client.Post(ctx, PathDeleteDevice, req, a.headers)
}

// CommandPath builds /cmd/{id}?group={group}&wait={wait}.
func CommandPath(params domain.ExecuteCommandParams) string {
	q := url.Values{}
	q.Set("group", params.Group)
	q.Set("wait", strconv.FormatBool(params.Wait))
	return PathCommand + url.PathEscape(params.ID) + "?" + q.Encode()
}
