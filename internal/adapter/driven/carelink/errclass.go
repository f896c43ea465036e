package carelink

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// statusError is any non-2xx portal response, including redirects: the portal
// uses redirects to signal login-wall states, so the client never follows
// them and treats 3xx as a terminal non-success.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.url, e.code)
}

// proxyStatus holds the HTTP statuses that point at a proxy or gateway
// problem rather than a portal-level failure.
var proxyStatus = map[int]bool{
	http.StatusBadRequest:         true,
	http.StatusForbidden:          true,
	http.StatusProxyAuthRequired:  true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
}

// retryViaProxy reports whether err is a failure a different outbound proxy
// could plausibly fix: a proxy-class HTTP status or a network-class transport
// error.
func retryViaProxy(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return proxyStatus[se.code]
	}
	return isNetworkError(err)
}

// isNetworkError matches connection refused/reset, timeouts, DNS failures,
// TLS handshake failures, and malformed socket addresses. errors.As unwraps
// through *url.Error, so transport errors from http.Client match directly.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return true
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	// Remaining dial/read failures surface as *net.OpError.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
