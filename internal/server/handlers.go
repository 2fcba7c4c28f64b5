package server

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/glkvm-cloud/device-console/internal/commands"
	"github.com/glkvm-cloud/device-console/internal/domain"
	"github.com/glkvm-cloud/device-console/internal/hostinfo"
	"github.com/glkvm-cloud/device-console/internal/storage"
	"github.com/glkvm-cloud/device-console/pkg/publishers"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	keyword := strings.TrimSpace(r.URL.Query().Get("keyword"))
	list, err := s.store.ListDevices(r.Context(), keyword)
	if err != nil {
		s.internalError(w, "list devices", err)
		return
	}

	out := make([]domain.DeviceInfo, 0, len(list))
	for _, meta := range list {
		out = append(out, meta.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScriptInfo(w http.ResponseWriter, r *http.Request) {
	info := hostinfo.FromRequest(r)
	script := url.URL{
		Scheme: info.Scheme,
		Host:   info.HostPort(),
		Path:   s.scriptPath,
	}
	writeJSON(w, http.StatusOK, domain.ScriptInfo{
		Script: script.String(),
		Host:   info.Host,
		Port:   info.Port,
		Scheme: info.Scheme,
		Token:  s.registerToken,
	})
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req domain.EditDescriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.DeviceID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	if err := s.store.UpdateDescription(r.Context(), id, req.Description); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.internalError(w, "update device", err)
		return
	}

	meta, err := s.store.DeviceByID(r.Context(), id)
	if err != nil || meta == nil {
		s.internalError(w, "reload device", err)
		return
	}
	s.commands.Notify(publishers.KindUpdated, id)
	writeJSON(w, http.StatusOK, meta.Info())
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	var req domain.DeleteDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.DeviceID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	if err := s.store.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.internalError(w, "delete device", err)
		return
	}

	s.commands.Notify(publishers.KindDeleted, id)
	writeJSON(w, http.StatusOK, domain.DeleteDeviceRequest{DeviceID: id})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.registerToken != "" &&
		subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.registerToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid registration token")
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		ip = remoteIP(r)
	}

	meta := storage.DeviceMeta{
		DeviceID:    req.DeviceID,
		Mac:         req.Mac,
		IP:          ip,
		Description: req.Description,
	}
	if err := s.store.SaveDevice(r.Context(), meta); err != nil {
		if errors.Is(err, storage.ErrMacConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.internalError(w, "register device", err)
		return
	}

	saved, err := s.store.DeviceByID(r.Context(), strings.TrimSpace(req.DeviceID))
	if err != nil || saved == nil {
		s.internalError(w, "reload device", err)
		return
	}
	s.commands.Notify(publishers.KindRegistered, saved.DeviceID)
	writeJSON(w, http.StatusOK, saved.Info())
}

// handleCommand accepts ExecuteCommandParams. The path id wins over the body;
// group and wait from the query string win when present.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd domain.ExecuteCommandParams
	if !decodeJSON(w, r, &cmd) {
		return
	}
	cmd.ID = strings.TrimSpace(r.PathValue("id"))

	q := r.URL.Query()
	if q.Has("group") {
		cmd.Group = q.Get("group")
	}
	if q.Has("wait") {
		wait, err := strconv.ParseBool(q.Get("wait"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "wait must be a boolean")
			return
		}
		cmd.Wait = wait
	}

	meta, err := s.store.DeviceByID(r.Context(), cmd.ID)
	if err != nil {
		s.internalError(w, "lookup device", err)
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, storage.ErrNotFound.Error())
		return
	}

	res, err := s.commands.Dispatch(r.Context(), cmd)
	if err != nil {
		switch {
		case errors.Is(err, commands.ErrNotDelivered):
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, commands.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	operator := ""
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		operator = claims.Subject
	}
	s.log.InfoObj("command dispatched", "command", map[string]any{
		"device_id": res.DeviceID,
		"group":     res.Group,
		"wait":      cmd.Wait,
		"token":     res.Token,
		"operator":  operator,
	})

	status := http.StatusAccepted
	if cmd.Wait {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// handleWeb redirects a browser to the device's own subdomain.
func (s *Server) handleWeb(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	info := hostinfo.FromRequest(r)

	if hostinfo.IsIPHost(info.Host) {
		writeError(w, http.StatusBadRequest, "device access requires a domain name, not an IP address")
		return
	}
	if s.baseDomain != "" && !hostinfo.DomainAllowed(info.Host, s.baseDomain) {
		writeError(w, http.StatusBadRequest, "host is outside the console domain")
		return
	}

	meta, err := s.store.DeviceByID(r.Context(), id)
	if err != nil {
		s.internalError(w, "lookup device", err)
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, storage.ErrNotFound.Error())
		return
	}

	host := hostinfo.RedirectHost(info.Host, meta.DeviceID)
	if s.baseDomain != "" {
		host = hostinfo.SubdomainHost(s.baseDomain, meta.DeviceID)
	}
	location := hostinfo.RedirectLocation(
		info.Scheme,
		hostinfo.JoinHostPort(host, info.Scheme, info.Port),
		"/",
		s.newSessionID(),
	)
	http.Redirect(w, r, location, http.StatusFound)
}

// handleWebHost serves a request that already arrived on a device subdomain.
func (s *Server) handleWebHost(w http.ResponseWriter, r *http.Request) {
	info := hostinfo.FromRequest(r)
	if s.baseDomain == "" || !hostinfo.DomainAllowed(info.Host, s.baseDomain) ||
		strings.EqualFold(strings.TrimSuffix(info.Host, "."), s.baseDomain) {
		writeError(w, http.StatusBadRequest, "host does not name a device")
		return
	}
	id, ok := hostinfo.DeviceIDFromHost(info.Host)
	if !ok {
		writeError(w, http.StatusBadRequest, "host does not name a device")
		return
	}

	meta, err := s.store.DeviceByID(r.Context(), id)
	if err != nil {
		s.internalError(w, "lookup device", err)
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, storage.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta.Info())
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
