// Package hostinfo derives the externally visible host, port and scheme of a
// request and builds device subdomain redirects from them.
package hostinfo

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Info is the external address of a request as seen by the client.
type Info struct {
	// Host is the bare hostname without port or trailing dot.
	Host string
	// Port is the external port when known.
	Port   string
	Scheme string
}

// FromRequest prefers X-Forwarded-Host/Proto/Port and falls back to the Host
// header and TLS state. Only the first item of a comma-separated header counts.
func FromRequest(r *http.Request) Info {
	var info Info

	host := firstItem(r.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = strings.TrimSpace(r.Host)
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		info.Host = h
		info.Port = p
	} else {
		info.Host = host
	}
	info.Host = strings.TrimSuffix(info.Host, ".")

	switch proto := strings.ToLower(firstItem(r.Header.Get("X-Forwarded-Proto"))); {
	case proto != "":
		info.Scheme = proto
	case r.TLS != nil:
		info.Scheme = "https"
	default:
		info.Scheme = "http"
	}

	if port := firstItem(r.Header.Get("X-Forwarded-Port")); port != "" {
		info.Port = port
	}
	return info
}

// HostPort joins Host and Port, omitting the scheme's default port.
func (i Info) HostPort() string {
	return JoinHostPort(i.Host, i.Scheme, i.Port)
}

func firstItem(v string) string {
	if idx := strings.IndexByte(v, ','); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSpace(v)
}

// IsIPHost reports whether host is a literal IPv4 or IPv6 address.
func IsIPHost(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	return net.ParseIP(host) != nil
}

// DomainAllowed accepts base itself and any subdomain of base.
func DomainAllowed(host, base string) bool {
	host = canonical(host)
	base = canonical(base)
	if host == "" || base == "" {
		return false
	}
	return host == base || strings.HasSuffix(host, "."+base)
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}

// RedirectHost replaces the leftmost label of hostname with devid.
//
//	www.example.com    -> devid.example.com
//	www.l1.example.com -> devid.l1.example.com
//	example.com        -> devid.com
//	localhost          -> devid.localhost
func RedirectHost(hostname, devid string) string {
	labels := labels(hostname)
	switch len(labels) {
	case 0:
		return devid
	case 1:
		return devid + "." + labels[0]
	default:
		return devid + "." + strings.Join(labels[1:], ".")
	}
}

// SubdomainHost prefixes base with devid, the form used when the console knows
// its base domain.
func SubdomainHost(base, devid string) string {
	base = canonical(base)
	if base == "" {
		return devid
	}
	return devid + "." + base
}

// JoinHostPort appends port unless it is empty or the default for scheme.
func JoinHostPort(host, scheme, port string) string {
	if port == "" {
		return host
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		return host
	}
	return net.JoinHostPort(host, port)
}

// RedirectLocation builds scheme://hostPort/path?sid=sid.
func RedirectLocation(scheme, hostPort, path, sid string) string {
	if path == "" {
		path = "/"
	}
	u := &url.URL{
		Scheme:   scheme,
		Host:     hostPort,
		Path:     path,
		RawQuery: url.Values{"sid": []string{sid}}.Encode(),
	}
	return u.String()
}

// DeviceIDFromHost returns the leftmost label of host. IP hosts carry no device id.
func DeviceIDFromHost(host string) (string, bool) {
	host = strings.TrimSpace(host)
	if host == "" || IsIPHost(host) {
		return "", false
	}
	labels := labels(host)
	if len(labels) == 0 {
		return "", false
	}
	return labels[0], true
}

func labels(hostname string) []string {
	parts := strings.Split(strings.TrimSuffix(hostname, "."), ".")
	out := parts[:0]
	for _, l := range parts {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
