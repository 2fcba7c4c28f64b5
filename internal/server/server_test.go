package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glkvm-cloud/device-console/internal/auth"
	"github.com/glkvm-cloud/device-console/internal/commands"
	"github.com/glkvm-cloud/device-console/internal/domain"
	"github.com/glkvm-cloud/device-console/internal/logger"
	"github.com/glkvm-cloud/device-console/internal/storage"
	"github.com/glkvm-cloud/device-console/pkg/deviceapi"
	"github.com/glkvm-cloud/device-console/pkg/httpclient"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeDispatcher records dispatched commands and notifications.
type fakeDispatcher struct {
	mu       sync.Mutex
	commands []domain.ExecuteCommandParams
	notes    []string
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, cmd domain.ExecuteCommandParams) (domain.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.err != nil {
		return domain.CommandResult{}, f.err
	}
	res := domain.CommandResult{Token: "tok-1", DeviceID: cmd.ID, Group: cmd.Group, Waited: cmd.Wait}
	if cmd.Wait {
		res.Delivered = 1
	}
	return res, nil
}

func (f *fakeDispatcher) Notify(kind, deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, kind+":"+deviceID)
}

type fixture struct {
	srv   *Server
	store storage.Store
	disp  *fakeDispatcher
}

func newFixture(t *testing.T, mutate func(*Options)) fixture {
	t.Helper()
	store, err := storage.NewStore(storage.TypeBBolt, filepath.Join(t.TempDir(), "devices.bolt"), storage.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	disp := &fakeDispatcher{}
	opts := Options{
		Store:         store,
		Commands:      disp,
		BaseDomain:    "kvm.example.com",
		RegisterToken: "reg-secret",
		NewSessionID:  func() string { return "sid-1" },
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{srv: srv, store: store, disp: disp}
}

func (f fixture) seed(t *testing.T, id, mac, desc string) {
	t.Helper()
	if err := f.store.SaveDevice(context.Background(), storage.DeviceMeta{DeviceID: id, Mac: mac, Description: desc}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func (f fixture) do(method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresStoreAndDispatcher(t *testing.T) {
	if _, err := New(Options{Commands: &fakeDispatcher{}}); err == nil {
		t.Fatalf("expected error without store")
	}
	f := newFixture(t, nil)
	if _, err := New(Options{Store: f.store}); err == nil {
		t.Fatalf("expected error without dispatcher")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestListDevicesWithKeyword(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "kvm-1", "00:00:00:00:00:01", "lab")
	f.seed(t, "kvm-2", "", "office")

	rec := f.do(http.MethodGet, "/devs", nil, nil)
	var all []domain.DeviceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("list = %d %v", rec.Code, err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(all))
	}

	rec = f.do(http.MethodGet, "/devs?keyword=office", nil, nil)
	var filtered []domain.DeviceInfo
	_ = json.Unmarshal(rec.Body.Bytes(), &filtered)
	if len(filtered) != 1 || filtered[0].ID != "kvm-2" {
		t.Fatalf("filtered = %#v", filtered)
	}
}

func TestListDevicesEmptyIsArray(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/devs", nil, nil)
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("empty list body = %q", got)
	}
}

func TestUpdateDevice(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "kvm-1", "", "old")

	rec := f.do(http.MethodPost, "/devs/update", domain.EditDescriptionRequest{DeviceID: "kvm-1", Description: "new"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body=%s", rec.Code, rec.Body.String())
	}
	var info domain.DeviceInfo
	_ = json.Unmarshal(rec.Body.Bytes(), &info)
	if info.Description != "new" {
		t.Fatalf("description = %q", info.Description)
	}
	if len(f.disp.notes) != 1 || f.disp.notes[0] != "updated:kvm-1" {
		t.Fatalf("notes = %v", f.disp.notes)
	}

	if rec := f.do(http.MethodPost, "/devs/update", domain.EditDescriptionRequest{Description: "x"}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/devs/update", domain.EditDescriptionRequest{DeviceID: "ghost"}, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", rec.Code)
	}
}

func TestDeleteDevice(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "kvm-1", "", "")

	if rec := f.do(http.MethodPost, "/devs/delete", domain.DeleteDeviceRequest{DeviceID: "kvm-1"}, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/devs/delete", domain.DeleteDeviceRequest{DeviceID: "kvm-1"}, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
	if len(f.disp.notes) != 1 || f.disp.notes[0] != "deleted:kvm-1" {
		t.Fatalf("notes = %v", f.disp.notes)
	}
}

func TestRegisterDevice(t *testing.T) {
	f := newFixture(t, nil)

	req := domain.RegisterDeviceRequest{DeviceID: "kvm-7", Mac: "AA-BB-CC-DD-EE-FF", Token: "reg-secret"}
	rec := f.do(http.MethodPost, "/devs/register", req, map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d body=%s", rec.Code, rec.Body.String())
	}
	var info domain.DeviceInfo
	_ = json.Unmarshal(rec.Body.Bytes(), &info)
	if info.Mac != "aa:bb:cc:dd:ee:ff" || info.IPAddr != "203.0.113.9" {
		t.Fatalf("registered device = %#v", info)
	}

	conflict := domain.RegisterDeviceRequest{DeviceID: "kvm-8", Mac: "aa:bb:cc:dd:ee:ff", Token: "reg-secret"}
	if rec := f.do(http.MethodPost, "/devs/register", conflict, nil); rec.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d", rec.Code)
	}
	bad := domain.RegisterDeviceRequest{DeviceID: "kvm-9", Token: "wrong"}
	if rec := f.do(http.MethodPost, "/devs/register", bad, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	if len(f.disp.notes) != 1 || f.disp.notes[0] != "registered:kvm-7" {
		t.Fatalf("notes = %v", f.disp.notes)
	}
}

func TestScriptInfoUsesForwardedHost(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InstallScriptPath = "scripts/add.sh" })
	rec := f.do(http.MethodGet, "/get/scriptInfo", nil, map[string]string{
		"X-Forwarded-Host":  "console.kvm.example.com",
		"X-Forwarded-Proto": "https",
	})
	var info domain.ScriptInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := domain.ScriptInfo{
		Script: "https://console.kvm.example.com/scripts/add.sh",
		Host:   "console.kvm.example.com",
		Scheme: "https",
		Token:  "reg-secret",
	}
	if info != want {
		t.Fatalf("script info = %#v", info)
	}
}

func TestCommandRouting(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "kvm-1", "", "")

	body := domain.ExecuteCommandParams{ID: "ignored", Group: "body-group", Cmd: "ls", Params: []string{"-l"}}
	rec := f.do(http.MethodPost, "/cmd/kvm-1?group=g1&wait=true", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("wait status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := f.disp.commands[0]
	if got.ID != "kvm-1" || got.Group != "g1" || !got.Wait || got.Cmd != "ls" {
		t.Fatalf("dispatched = %#v", got)
	}

	rec = f.do(http.MethodPost, "/cmd/kvm-1", domain.ExecuteCommandParams{Cmd: "ls"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("async status = %d", rec.Code)
	}

	if rec := f.do(http.MethodPost, "/cmd/ghost?wait=false", body, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/cmd/kvm-1?wait=maybe", body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad wait status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/cmd/kvm-1", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on command route = %d", rec.Code)
	}
}

func TestCommandDispatchErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{commands.ErrNotDelivered, http.StatusBadGateway},
		{commands.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("command is required"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		f := newFixture(t, nil)
		f.seed(t, "kvm-1", "", "")
		f.disp.err = tc.err
		if rec := f.do(http.MethodPost, "/cmd/kvm-1?wait=true", domain.ExecuteCommandParams{Cmd: "ls"}, nil); rec.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestWebRedirect(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "lv99862", "", "")

	rec := f.do(http.MethodGet, "/web/lv99862", nil, map[string]string{
		"X-Forwarded-Host":  "www.kvm.example.com",
		"X-Forwarded-Proto": "https",
		"X-Forwarded-Port":  "8443",
	})
	if rec.Code != http.StatusFound {
		t.Fatalf("redirect status = %d body=%s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "https://lv99862.kvm.example.com:8443/?sid=sid-1" {
		t.Fatalf("Location = %q", loc)
	}

	ipReq := f.do(http.MethodGet, "http://10.0.0.1/web/lv99862", nil, nil)
	if ipReq.Code != http.StatusBadRequest {
		t.Fatalf("ip host status = %d", ipReq.Code)
	}
	foreign := f.do(http.MethodGet, "http://evil.example.org/web/lv99862", nil, nil)
	if foreign.Code != http.StatusBadRequest {
		t.Fatalf("foreign host status = %d", foreign.Code)
	}
	missing := f.do(http.MethodGet, "http://www.kvm.example.com/web/ghost", nil, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing device status = %d", missing.Code)
	}
}

func TestWebRedirectWithoutBaseDomain(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.BaseDomain = "" })
	f.seed(t, "kvm-1", "", "")

	rec := f.do(http.MethodGet, "http://www.l1.example.com/web/kvm-1", nil, nil)
	if loc := rec.Header().Get("Location"); loc != "http://kvm-1.l1.example.com/?sid=sid-1" {
		t.Fatalf("Location = %q", loc)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/devs/update", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body domain.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
		t.Fatalf("error body = %q", rec.Body.String())
	}
}

func TestBearerAuth(t *testing.T) {
	signer := auth.NewSigner("secret", "device-console", time.Hour)
	f := newFixture(t, func(o *Options) { o.Signer = signer })
	f.seed(t, "kvm-1", "", "")

	if rec := f.do(http.MethodGet, "/devs", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/devs", nil, map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}

	token, err := signer.Sign("ops", auth.RoleOperator)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if rec := f.do(http.MethodGet, "/devs", nil, map[string]string{"Authorization": "Bearer " + token}); rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rec.Code)
	}

	// The script info carries the registration token.
	if rec := f.do(http.MethodGet, "/get/scriptInfo", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous scriptInfo status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/get/scriptInfo", nil, map[string]string{"Authorization": "Bearer " + token}); rec.Code != http.StatusOK {
		t.Fatalf("scriptInfo status = %d", rec.Code)
	}

	if rec := f.do(http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	reg := f.do(http.MethodPost, "/devs/register", domain.RegisterDeviceRequest{DeviceID: "kvm-2", Token: "wrong"}, nil)
	if reg.Code != http.StatusUnauthorized {
		t.Fatalf("register with bad token status = %d", reg.Code)
	}
}

func TestBearerAuthRequiresOperatorRole(t *testing.T) {
	signer := auth.NewSigner("secret", "", time.Hour)
	f := newFixture(t, func(o *Options) { o.Signer = signer })

	token, err := signer.Sign("viewer", "viewer")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	hdr := map[string]string{"Authorization": "Bearer " + token}
	for _, target := range []string{"/devs", "/get/scriptInfo"} {
		if rec := f.do(http.MethodGet, target, nil, hdr); rec.Code != http.StatusForbidden {
			t.Fatalf("%s status = %d", target, rec.Code)
		}
	}
}

func TestWebOnDeviceSubdomain(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "lv99862", "", "rack 3")

	rec := f.do(http.MethodGet, "http://lv99862.kvm.example.com/web", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var info domain.DeviceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ID != "lv99862" || info.Description != "rack 3" {
		t.Fatalf("device = %#v", info)
	}

	cases := map[string]int{
		"http://10.0.0.1/web":              http.StatusBadRequest,
		"http://kvm.example.com/web":       http.StatusBadRequest,
		"http://lv99862.example.org/web":   http.StatusBadRequest,
		"http://ghost.kvm.example.com/web": http.StatusNotFound,
	}
	for target, want := range cases {
		if rec := f.do(http.MethodGet, target, nil, nil); rec.Code != want {
			t.Errorf("%s status = %d, want %d", target, rec.Code, want)
		}
	}
}

func TestClaimsReachHandlers(t *testing.T) {
	signer := auth.NewSigner("secret", "", time.Hour)
	s := &Server{signer: signer}
	var seen *auth.Claims
	h := s.requireAuth(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
	}))

	token, _ := signer.Sign("ops", auth.RoleOperator)
	req := httptest.NewRequest(http.MethodGet, "/devs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == nil || seen.Subject != "ops" {
		t.Fatalf("claims = %#v", seen)
	}
	if ClaimsFromContext(context.Background()) != nil {
		t.Fatalf("expected nil claims on bare context")
	}
}

func TestCommandLogRecordsOperator(t *testing.T) {
	signer := auth.NewSigner("secret", "", time.Hour)
	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(t, func(o *Options) {
		o.Signer = signer
		o.Log = logger.FromSugar(zap.New(core).Sugar())
	})
	f.seed(t, "kvm-1", "", "")

	token, _ := signer.Sign("alice", auth.RoleOperator)
	rec := f.do(http.MethodPost, "/cmd/kvm-1", domain.ExecuteCommandParams{Cmd: "uptime"}, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	entries := logs.FilterMessage("command dispatched").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 command log entry, got %d", len(entries))
	}
	fields, _ := entries[0].ContextMap()["command"].(map[string]any)
	if fields["operator"] != "alice" || fields["device_id"] != "kvm-1" {
		t.Fatalf("command log fields = %#v", fields)
	}
}

// TestDeviceAPIAgainstServer drives the console through the client package.
func TestDeviceAPIAgainstServer(t *testing.T) {
	signer := auth.NewSigner("secret", "", time.Hour)
	f := newFixture(t, func(o *Options) { o.Signer = signer })
	f.seed(t, "kvm-1", "", "rack")

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	token, _ := signer.Sign("ops", auth.RoleOperator)
	api := deviceapi.New(httpclient.NewRestyClientWithOptions(httpclient.Options{
		BaseURL: ts.URL,
		Timeout: 5 * time.Second,
		Token:   token,
	}))
	ctx := context.Background()

	devices, err := api.ListDevices(ctx)
	if err != nil || len(devices) != 1 || devices[0].ID != "kvm-1" {
		t.Fatalf("ListDevices = %#v, %v", devices, err)
	}

	info, err := api.AddDeviceScriptInfo(ctx)
	if err != nil || info.Token != "reg-secret" {
		t.Fatalf("AddDeviceScriptInfo = %#v, %v", info, err)
	}

	resp, err := api.ExecuteCommand(ctx, domain.ExecuteCommandParams{ID: "kvm-1", Group: "g1", Wait: true, Cmd: "uptime"})
	if err != nil || resp.StatusCode() != http.StatusOK {
		t.Fatalf("ExecuteCommand = %v", err)
	}

	if _, err := api.EditDescription(ctx, domain.EditDescriptionRequest{DeviceID: "kvm-1", Description: "desk"}); err != nil {
		t.Fatalf("EditDescription: %v", err)
	}
	if _, err := api.DeleteDevice(ctx, domain.DeleteDeviceRequest{DeviceID: "kvm-1"}); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}

	_, err = api.DeleteDevice(ctx, domain.DeleteDeviceRequest{DeviceID: "kvm-1"})
	if !httpclient.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
