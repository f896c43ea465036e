package model

import (
	"net/url"
	"strconv"
	"strings"
)

// ProxyDescriptor describes one outbound proxy from the configured list.
// Descriptors are immutable once loaded; rotation state lives in the
// proxy.Rotator, not here.
type ProxyDescriptor struct {
	IP        string
	Port      int
	Username  string
	Password  string
	Protocols []string
}

// Addr returns the host:port form of the proxy.
func (p ProxyDescriptor) Addr() string {
	return p.IP + ":" + strconv.Itoa(p.Port)
}

// Supports reports whether the proxy advertises the given protocol tag.
// Matching is case-insensitive.
func (p ProxyDescriptor) Supports(protocol string) bool {
	for _, proto := range p.Protocols {
		if strings.EqualFold(proto, protocol) {
			return true
		}
	}
	return false
}

// URL returns the proxy as a *url.URL suitable for http.ProxyURL. The scheme
// is the first advertised protocol, defaulting to http.
func (p ProxyDescriptor) URL() *url.URL {
	scheme := "http"
	if len(p.Protocols) > 0 {
		scheme = strings.ToLower(p.Protocols[0])
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   p.Addr(),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}

	return u
}
