package carelink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrelay/medrelay/internal/domain/model"
	"github.com/medrelay/medrelay/internal/domain/port/driven"
)

// stubCreds is a CredentialStore whose behavior each test scripts directly.
type stubCreds struct {
	bundle     *model.CredentialBundle
	expired    bool
	refreshErr error
	deleted    bool
	refreshes  int
}

func (s *stubCreds) Load() (*model.CredentialBundle, error) { return s.bundle, nil }
func (s *stubCreds) Save(*model.CredentialBundle) error     { return nil }
func (s *stubCreds) Delete() error                          { s.deleted = true; return nil }
func (s *stubCreds) Expired(*model.CredentialBundle) bool   { return s.expired }

func (s *stubCreds) Refresh(_ context.Context, b *model.CredentialBundle) (*model.CredentialBundle, error) {
	s.refreshes++
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	refreshed := *b
	refreshed.AccessToken = "refreshed-" + b.AccessToken
	return &refreshed, nil
}

func validCreds() *stubCreds {
	return &stubCreds{
		bundle: &model.CredentialBundle{AccessToken: "access-token", RefreshToken: "refresh-token"},
	}
}

// stubRotator scripts proxy rotation and counts how often it was consulted.
type stubRotator struct {
	proxies  []model.ProxyDescriptor
	index    int
	tryCalls int
	resets   int
}

func (s *stubRotator) HasProxies() bool { return len(s.proxies) > 0 }
func (s *stubRotator) ResetRetries()    { s.resets++ }

func (s *stubRotator) TryNext() *model.ProxyDescriptor {
	s.tryCalls++
	if s.index >= len(s.proxies) {
		return nil
	}
	desc := s.proxies[s.index]
	s.index++
	return &desc
}

// newTestClient wires a Client against the given httptest handler, with
// backoff sleeps replaced by a recorder.
func newTestClient(t *testing.T, handler http.Handler, creds driven.CredentialStore, rotator driven.ProxyRotator) (*Client, *httptest.Server, *[]time.Duration) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	endpoints, err := NewEndpointsWithBase(server.URL, "us", "en")
	require.NoError(t, err)

	client := NewClient(endpoints, creds, rotator)

	var sleeps []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	return client, server, &sleeps
}

// serverProxy turns the httptest server into its own outbound proxy: plain
// HTTP proxying is absolute-form requests against the same listener, so the
// mux keeps routing by path.
func serverProxy(t *testing.T, server *httptest.Server) model.ProxyDescriptor {
	t.Helper()

	host, portStr, ok := strings.Cut(strings.TrimPrefix(server.URL, "http://"), ":")
	require.True(t, ok)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return model.ProxyDescriptor{IP: host, Port: port, Protocols: []string{"http"}}
}

func writeMe(w http.ResponseWriter, role string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"role":      role,
		"username":  "pump-user",
		"accountId": 1234567,
	})
}

func monitorPayload() map[string]any {
	return map[string]any{
		"lastMedicalDeviceDataUpdateServerTime": 1700000000000,
		"sgs": []map[string]any{
			{"sg": 120, "datetime": "2026-08-29T10:00:00Z", "sensorState": "NO_ERROR_MESSAGE"},
		},
	}
}

func TestFetch_PatientMonitorData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		writeMe(w, "PATIENT")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(monitorPayload())
	})

	client, _, _ := newTestClient(t, mux, validCreds(), &stubRotator{})

	snapshot, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.False(t, snapshot.Empty())
	assert.EqualValues(t, 1700000000000, snapshot.LastDeviceUpdate())
}

func TestFetch_RefreshesExpiredToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer refreshed-access-token", r.Header.Get("Authorization"))
		writeMe(w, "PATIENT")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(monitorPayload())
	})

	creds := validCreds()
	creds.expired = true
	client, _, _ := newTestClient(t, mux, creds, &stubRotator{})

	_, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, creds.refreshes)
}

func TestFetch_MissingCredentialsNotRetried(t *testing.T) {
	var requests atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	})

	rotator := &stubRotator{proxies: []model.ProxyDescriptor{{IP: "127.0.0.1", Port: 1}}}
	client, _, _ := newTestClient(t, handler, &stubCreds{}, rotator)

	_, err := client.Fetch(context.Background())

	require.ErrorIs(t, err, driven.ErrNotAuthenticated)
	assert.Zero(t, requests.Load(), "no portal calls without credentials")
	assert.Zero(t, rotator.tryCalls, "non-retryable errors must not rotate proxies")
}

func TestFetch_RefreshRejectedDeletesBundle(t *testing.T) {
	creds := validCreds()
	creds.expired = true
	creds.refreshErr = driven.ErrRefreshRejected

	client, _, _ := newTestClient(t, http.NewServeMux(), creds, &stubRotator{})

	_, err := client.Fetch(context.Background())

	require.ErrorIs(t, err, driven.ErrNotAuthenticated)
	assert.True(t, creds.deleted, "rejected refresh must delete the persisted bundle")
}

func TestFetch_MonitorDataEmptyFallsBackToLegacy(t *testing.T) {
	legacyCalled := false
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeMe(w, "PATIENT")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		// Single top-level field: materially empty.
		_, _ = w.Write([]byte(`{"lastMedicalDeviceDataUpdateServerTime": 0}`))
	})
	mux.HandleFunc("/patient/connect/data", func(w http.ResponseWriter, r *http.Request) {
		legacyCalled = true
		assert.Equal(t, "NONE", r.URL.Query().Get("cpSerialNumber"))
		assert.Equal(t, "last24hours", r.URL.Query().Get("msgType"))
		assert.NotEmpty(t, r.URL.Query().Get("requestTime"))
		assert.Empty(t, r.URL.Query().Get("username"), "patient fallback carries no username")
		_ = json.NewEncoder(w).Encode(monitorPayload())
	})

	client, _, _ := newTestClient(t, mux, validCreds(), &stubRotator{})

	snapshot, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.True(t, legacyCalled)
	assert.False(t, snapshot.Empty())
}

func TestFetch_Legacy204IsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeMe(w, "PATIENT")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/patient/connect/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	client, _, _ := newTestClient(t, mux, validCreds(), &stubRotator{})

	snapshot, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.True(t, snapshot.Empty(), "204 means no recent upload, not failure")
}

func TestFetch_RedirectIsNotFollowed(t *testing.T) {
	trapped := false
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeMe(w, "PATIENT")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login-wall", http.StatusFound)
	})
	mux.HandleFunc("/login-wall", func(w http.ResponseWriter, r *http.Request) {
		trapped = true
	})
	mux.HandleFunc("/patient/connect/data", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(monitorPayload())
	})

	client, _, _ := newTestClient(t, mux, validCreds(), &stubRotator{})

	_, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.False(t, trapped, "redirects signal login walls and must not be traversed")
}

func TestFetch_BLEDeviceFamilySwitchesProtocol(t *testing.T) {
	var bleBody map[string]any
	legacyCalled := false

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeMe(w, "PATIENT")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"deviceFamily": "MINIMED780G-BLE", "sgs": []}`))
	})
	mux.HandleFunc("/patient/countries/settings", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "us", r.URL.Query().Get("countryCode"))
		assert.Equal(t, "en", r.URL.Query().Get("language"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"blePereodicDataEndpoint": server.URL + "/ble/data",
		})
	})
	mux.HandleFunc("/ble/data", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&bleBody))
		_ = json.NewEncoder(w).Encode(monitorPayload())
	})
	mux.HandleFunc("/patient/connect/data", func(w http.ResponseWriter, r *http.Request) {
		legacyCalled = true
	})

	endpoints, err := NewEndpointsWithBase(server.URL, "us", "en")
	require.NoError(t, err)
	client := NewClient(endpoints, validCreds(), &stubRotator{})

	snapshot, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.False(t, snapshot.Empty())
	assert.False(t, legacyCalled, "BLE devices bypass the legacy endpoint")
	assert.Equal(t, "pump-user", bleBody["username"])
	assert.Equal(t, "patient", bleBody["role"])
	assert.NotEmpty(t, bleBody["appVersion"])
	assert.EqualValues(t, 1234567, bleBody["patientId"])
}

func TestFetch_BLEWithoutEndpointFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeMe(w, "PATIENT")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"deviceFamily": "GUARDIAN-BLE", "sgs": []}`))
	})
	mux.HandleFunc("/patient/countries/settings", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	client, _, _ := newTestClient(t, mux, validCreds(), &stubRotator{})

	_, err := client.Fetch(context.Background())

	require.ErrorIs(t, err, driven.ErrNoBleEndpoint)
}

func TestFetch_CarePartnerPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeMe(w, "care_partner") // role matching is case-insensitive
	})
	mux.HandleFunc("/patient/m2m/links/patients", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"username": "linked-1"}, {"username": "linked-2"}]`))
	})
	mux.HandleFunc("/patient/connect/data", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "linked-1", r.URL.Query().Get("username"), "first linked account is selected")
		assert.Equal(t, "carepartner", r.URL.Query().Get("role"))
		_ = json.NewEncoder(w).Encode(monitorPayload())
	})

	client, _, _ := newTestClient(t, mux, validCreds(), &stubRotator{})

	snapshot, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.False(t, snapshot.Empty())
}

func TestFetch_CarePartnerNoLinkedAccounts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeMe(w, "CARE_PARTNER")
	})
	mux.HandleFunc("/patient/m2m/links/patients", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	rotator := &stubRotator{proxies: []model.ProxyDescriptor{{IP: "127.0.0.1", Port: 1}}}
	client, _, sleeps := newTestClient(t, mux, validCreds(), rotator)

	_, err := client.Fetch(context.Background())

	require.ErrorIs(t, err, driven.ErrNoLinkedAccounts)
	assert.Zero(t, rotator.tryCalls, "configuration errors must not rotate proxies")
	assert.Empty(t, *sleeps)
}

func TestFetch_UnknownRoleTreatedAsPatient(t *testing.T) {
	monitorCalled := false
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeMe(w, "SOMETHING_NEW")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		monitorCalled = true
		_ = json.NewEncoder(w).Encode(monitorPayload())
	})

	client, _, _ := newTestClient(t, mux, validCreds(), &stubRotator{})

	_, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.True(t, monitorCalled)
}

func TestFetch_ProxyRotationRecoversFromTransientFailure(t *testing.T) {
	var meCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		if meCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeMe(w, "PATIENT")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(monitorPayload())
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	rotator := &stubRotator{proxies: []model.ProxyDescriptor{serverProxy(t, server)}}

	endpoints, err := NewEndpointsWithBase(server.URL, "us", "en")
	require.NoError(t, err)
	client := NewClient(endpoints, validCreds(), rotator)

	var sleeps []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	snapshot, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.False(t, snapshot.Empty())
	assert.Equal(t, 1, rotator.tryCalls)
	assert.Equal(t, 1, rotator.resets)
	require.Len(t, sleeps, 1)
	assert.Equal(t, time.Second, sleeps[0], "proxy retries pause briefly instead of backing off")
}

func TestRetryViaProxy_ErrorClasses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"proxy-class status", &statusError{code: http.StatusServiceUnavailable}, true},
		{"portal-level status", &statusError{code: http.StatusInternalServerError}, false},
		{"redirect status", &statusError{code: http.StatusFound}, false},
		{"timeout", &url.Error{Op: "Get", URL: "https://example.invalid", Err: os.ErrDeadlineExceeded}, true},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "example.invalid"}, true},
		{"malformed address", &net.AddrError{Err: "invalid port", Addr: "1.2.3.4:99999"}, true},
		{"tls record header", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, true},
		{"connection refused", &url.Error{Op: "Get", URL: "http://127.0.0.1:1", Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}, true},
		{"plain error", errors.New("decoding payload"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryViaProxy(tc.err))
		})
	}
}

func TestFetch_NetworkErrorRotatesProxy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeMe(w, "PATIENT")
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(monitorPayload())
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	// The base URL points at a closed port: the direct attempt dies with
	// connection refused, and rotation installs a live proxy fronting the
	// portal.
	endpoints, err := NewEndpointsWithBase("http://127.0.0.1:1", "us", "en")
	require.NoError(t, err)

	rotator := &stubRotator{proxies: []model.ProxyDescriptor{serverProxy(t, server)}}
	client := NewClient(endpoints, validCreds(), rotator)

	var sleeps []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	snapshot, err := client.Fetch(context.Background())

	require.NoError(t, err)
	assert.False(t, snapshot.Empty())
	assert.Equal(t, 1, rotator.tryCalls)
	require.Len(t, sleeps, 1)
	assert.Equal(t, time.Second, sleeps[0], "network-class failures rotate with the fixed pause, not backoff")
}

func TestFetch_FinalAttemptDoesNotRotate(t *testing.T) {
	// 503 on every attempt against a rotation budget that never runs dry:
	// the final attempt exits to exhaustion instead of burning one more
	// rotation and pause it could never use.
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	proxies := make([]model.ProxyDescriptor, 2*maxRetryWithProxies)
	for i := range proxies {
		proxies[i] = serverProxy(t, server)
	}
	rotator := &stubRotator{proxies: proxies}

	endpoints, err := NewEndpointsWithBase(server.URL, "us", "en")
	require.NoError(t, err)
	client := NewClient(endpoints, validCreds(), rotator)

	var sleeps []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	_, err = client.Fetch(context.Background())

	require.ErrorIs(t, err, driven.ErrFetchExhausted)
	assert.Equal(t, maxRetryWithProxies-1, rotator.tryCalls)
	assert.Len(t, sleeps, maxRetryWithProxies-1)
}

func TestFetch_RotationExhaustedPropagatesOriginalError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	rotator := &stubRotator{proxies: []model.ProxyDescriptor{serverProxy(t, server)}}

	endpoints, err := NewEndpointsWithBase(server.URL, "us", "en")
	require.NoError(t, err)
	client := NewClient(endpoints, validCreds(), rotator)
	client.sleep = func(context.Context, time.Duration) error { return nil }

	_, err = client.Fetch(context.Background())

	require.Error(t, err)
	assert.NotErrorIs(t, err, driven.ErrFetchExhausted, "rotation exhaustion re-raises the original error")
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, 2, rotator.tryCalls, "last TryNext reports exhaustion")
}

func TestFetch_BackoffAndExhaustionWithoutProxies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	client, _, sleeps := newTestClient(t, mux, validCreds(), &stubRotator{})

	_, err := client.Fetch(context.Background())

	require.ErrorIs(t, err, driven.ErrFetchExhausted)
	assert.Empty(t, *sleeps, "a single attempt without proxies never backs off")
}

func TestFetch_BackoffScheduleWithProxies(t *testing.T) {
	// 500 is not proxy-class, so with proxies configured the client burns all
	// ten attempts through the exponential schedule instead of rotating.
	mux := http.NewServeMux()
	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	rotator := &stubRotator{proxies: []model.ProxyDescriptor{{IP: "127.0.0.1", Port: 1}}}
	client, _, sleeps := newTestClient(t, mux, validCreds(), rotator)

	_, err := client.Fetch(context.Background())

	require.ErrorIs(t, err, driven.ErrFetchExhausted)
	assert.Zero(t, rotator.tryCalls)
	require.Len(t, *sleeps, 9, "nine backoffs between ten attempts")
	assert.Equal(t, 2*time.Second, (*sleeps)[0])
	assert.Equal(t, 4*time.Second, (*sleeps)[1])
	assert.Equal(t, 8*time.Second, (*sleeps)[2])
}

func TestRequestBudget(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	client, _, _ := newTestClient(t, handler, validCreds(), &stubRotator{})

	st := &fetchState{requests: requestBudget}
	err := client.getJSON(context.Background(), st, "http://127.0.0.1:1/never-sent", &struct{}{})

	require.ErrorIs(t, err, driven.ErrRequestBudgetExceeded)
}
