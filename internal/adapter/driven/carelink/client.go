package carelink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/medrelay/medrelay/internal/domain/model"
	"github.com/medrelay/medrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TelemetrySource = (*Client)(nil)

const (
	// maxRetryWithProxies bounds the attempt loop when a proxy list is
	// configured. Without proxies a single attempt runs (the poll loop's next
	// cycle is the retry).
	maxRetryWithProxies = 10

	// requestBudget caps outbound calls per Fetch. Exceeding it means the
	// portal is driving the client in circles.
	requestBudget = 30

	// proxyPause is the fixed pause after installing a fresh proxy. Proxy
	// retries bypass the exponential backoff schedule.
	proxyPause = time.Second

	// appVersion is the client version advertised in the BLE descriptor body.
	appVersion = "3.2"

	userAgent = "medrelay/1.0"
)

// Client retrieves telemetry snapshots from the CareLink portal. One Fetch
// call runs the full authenticate / resolve-role / retrieve sequence inside a
// retry loop that cooperates with the proxy rotator.
type Client struct {
	endpoints *Endpoints
	creds     driven.CredentialStore
	rotator   driven.ProxyRotator
	timeout   time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client. rotator must be non-nil; pass an empty rotator
// for the "no proxies configured" mode.
func NewClient(endpoints *Endpoints, creds driven.CredentialStore, rotator driven.ProxyRotator) *Client {
	return &Client{
		endpoints: endpoints,
		creds:     creds,
		rotator:   rotator,
		timeout:   60 * time.Second,
		sleep:     sleepCtx,
	}
}

// fetchState is the per-Fetch mutable state: the outbound request counter,
// the bearer token of the current attempt, and the proxy installed for it.
// Proxy selection is an explicit per-attempt parameter, never shared client
// state.
type fetchState struct {
	requests int
	token    string
	proxy    *model.ProxyDescriptor
}

// Fetch runs the acquisition state machine: reset, attempt loop with
// error-class-dependent recovery (proxy rotation for transient transport
// failures, exponential backoff otherwise), and exhaustion reporting.
func (c *Client) Fetch(ctx context.Context) (model.TelemetrySnapshot, error) {
	st := &fetchState{}
	c.rotator.ResetRetries()

	maxRetry := 1
	if c.rotator.HasProxies() {
		maxRetry = maxRetryWithProxies
	}

	// 2^attempt seconds, no jitter: 2s, 4s, 8s, ...
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = 2 * time.Second
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0
	schedule.MaxInterval = 20 * time.Minute
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxRetry; attempt++ {
		snapshot, err := c.attempt(ctx, st)
		if err == nil {
			slog.Debug("fetch complete", "attempt", attempt, "requests", st.requests)
			return snapshot, nil
		}
		lastErr = err

		if nonRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		if retryViaProxy(err) && c.rotator.HasProxies() {
			if attempt == maxRetry {
				// No attempt left to use a fresh proxy on.
				break
			}
			next := c.rotator.TryNext()
			if next == nil {
				// Rotation budget spent: propagate the original failure.
				return nil, err
			}
			st.proxy = next
			slog.Warn("rotating outbound proxy",
				"attempt", attempt,
				"proxy", next.Addr(),
				"error", err,
			)
			if serr := c.sleep(ctx, proxyPause); serr != nil {
				return nil, serr
			}
			continue
		}

		if attempt == maxRetry {
			break
		}
		wait := schedule.NextBackOff()
		slog.Warn("fetch attempt failed, backing off",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		if serr := c.sleep(ctx, wait); serr != nil {
			return nil, serr
		}
	}

	return nil, fmt.Errorf("%w: %w", driven.ErrFetchExhausted, lastErr)
}

// nonRetryable matches configuration and defensive errors that no retry or
// proxy rotation can fix.
func nonRetryable(err error) bool {
	return errors.Is(err, driven.ErrNotAuthenticated) ||
		errors.Is(err, driven.ErrNoLinkedAccounts) ||
		errors.Is(err, driven.ErrNoBleEndpoint) ||
		errors.Is(err, driven.ErrRequestBudgetExceeded)
}

// attempt runs one full acquisition pass: authenticate, resolve role,
// retrieve data via the role-appropriate path.
func (c *Client) attempt(ctx context.Context, st *fetchState) (model.TelemetrySnapshot, error) {
	bundle, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	st.token = bundle.AccessToken

	me, err := c.currentUser(ctx, st)
	if err != nil {
		return nil, err
	}

	role, known := model.ParseRole(me.Role)
	if !known {
		slog.Warn("unrecognized account role, treating as patient", "role", me.Role)
	}

	if role.IsCarePartner() {
		return c.fetchCarePartner(ctx, st, role)
	}
	return c.fetchPatient(ctx, st, me.Username)
}

// authenticate loads the credential bundle and refreshes it when expired.
// A rejected refresh token deletes the bundle so the next process start is
// forced through a fresh login instead of looping on a dead token.
func (c *Client) authenticate(ctx context.Context) (*model.CredentialBundle, error) {
	bundle, err := c.creds.Load()
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	if bundle == nil {
		return nil, driven.ErrNotAuthenticated
	}

	if !c.creds.Expired(bundle) {
		return bundle, nil
	}

	refreshed, err := c.creds.Refresh(ctx, bundle)
	if err != nil {
		if errors.Is(err, driven.ErrRefreshRejected) {
			slog.Error("refresh token rejected, deleting credential bundle", "error", err)
			if delErr := c.creds.Delete(); delErr != nil {
				slog.Error("deleting credential bundle failed", "error", delErr)
			}
			return nil, fmt.Errorf("%w: %w", driven.ErrNotAuthenticated, err)
		}
		return nil, fmt.Errorf("refreshing credentials: %w", err)
	}

	return refreshed, nil
}

// identity is the portal's "who am I" response. Only the fields the
// acquisition path inspects are decoded.
type identity struct {
	Role      string `json:"role"`
	Username  string `json:"username"`
	AccountID int64  `json:"accountId"`
}

func (c *Client) currentUser(ctx context.Context, st *fetchState) (*identity, error) {
	var me identity
	if err := c.getJSON(ctx, st, c.endpoints.Me(), &me); err != nil {
		return nil, fmt.Errorf("resolving account role: %w", err)
	}
	return &me, nil
}

// linkedPatient is one entry of the carepartner linked-accounts listing.
type linkedPatient struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

// fetchCarePartner lists the linked patient accounts and retrieves the first
// one's data through the legacy connect-data endpoint. An empty listing is a
// configuration problem, not a transient failure.
func (c *Client) fetchCarePartner(ctx context.Context, st *fetchState, role model.Role) (model.TelemetrySnapshot, error) {
	var links []linkedPatient
	if err := c.getJSON(ctx, st, c.endpoints.LinkedPatients(), &links); err != nil {
		return nil, fmt.Errorf("listing linked patients: %w", err)
	}
	if len(links) == 0 {
		return nil, driven.ErrNoLinkedAccounts
	}

	target := links[0].Username
	slog.Debug("carepartner fetch", "linked_accounts", len(links), "target", target)

	return c.getSnapshot(ctx, st, c.endpoints.ConnectData(time.Now().UnixMilli(), target, role.Parameter()))
}

// fetchPatient tries the modern monitor-data endpoint first. BLE-class
// devices are redirected to the BLE protocol; a failed or materially empty
// monitor-data response falls back to the legacy connect-data endpoint.
func (c *Client) fetchPatient(ctx context.Context, st *fetchState, username string) (model.TelemetrySnapshot, error) {
	snapshot, err := c.getSnapshot(ctx, st, c.endpoints.MonitorData())
	switch {
	case err != nil:
		if errors.Is(err, driven.ErrRequestBudgetExceeded) {
			return nil, err
		}
		slog.Warn("monitor data unavailable, falling back to legacy endpoint", "error", err)
	case isBLEFamily(snapshot.DeviceFamily()):
		return c.fetchBLE(ctx, st, username)
	case !snapshot.Empty():
		return snapshot, nil
	default:
		slog.Debug("monitor data materially empty, falling back to legacy endpoint", "fields", len(snapshot))
	}

	// Legacy fallback carries no username/role: the portal infers the patient
	// from the session. A 204 or empty body here is a valid "no recent
	// upload" outcome, returned as an empty snapshot.
	return c.getSnapshot(ctx, st, c.endpoints.ConnectData(time.Now().UnixMilli(), "", ""))
}

// isBLEFamily recognizes BLE-class device families such as "MINIMED780G-BLE".
func isBLEFamily(family string) bool {
	return strings.Contains(strings.ToUpper(family), "BLE")
}

// bleDescriptor is the POST body the BLE data endpoint expects.
type bleDescriptor struct {
	Username   string `json:"username"`
	Role       string `json:"role"`
	AppVersion string `json:"appVersion"`
	PatientID  int64  `json:"patientId,omitempty"`
}

// fetchBLE switches to the BLE protocol: country settings reveal the BLE data
// endpoint, the identity endpoint supplies the numeric patient identifier,
// and a small descriptor body is POSTed to retrieve the payload.
func (c *Client) fetchBLE(ctx context.Context, st *fetchState, username string) (model.TelemetrySnapshot, error) {
	var settings struct {
		BleEndpoint string `json:"blePereodicDataEndpoint"`
	}
	if err := c.getJSON(ctx, st, c.endpoints.CountrySettings(), &settings); err != nil {
		return nil, fmt.Errorf("fetching country settings: %w", err)
	}
	if settings.BleEndpoint == "" {
		return nil, driven.ErrNoBleEndpoint
	}

	descriptor := bleDescriptor{
		Username:   username,
		Role:       "patient",
		AppVersion: appVersion,
	}
	me, err := c.currentUser(ctx, st)
	if err != nil {
		return nil, err
	}
	descriptor.PatientID = me.AccountID

	slog.Debug("ble fetch", "endpoint", settings.BleEndpoint, "patient_id", descriptor.PatientID)

	return c.postSnapshot(ctx, st, settings.BleEndpoint, descriptor)
}

// httpClient builds the client for one attempt. The proxy is an attempt
// parameter, and redirects are never followed: the portal uses them to signal
// session and login-wall states the client must not blindly traverse.
func (c *Client) httpClient(p *model.ProxyDescriptor) *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	if p != nil {
		transport.Proxy = http.ProxyURL(p.URL())
	}

	return &http.Client{
		Timeout:   c.timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// do sends one outbound request, charging it against the per-fetch budget.
func (c *Client) do(ctx context.Context, st *fetchState, req *http.Request) (*http.Response, error) {
	st.requests++
	if st.requests > requestBudget {
		return nil, fmt.Errorf("%d outbound requests in one fetch: %w", st.requests, driven.ErrRequestBudgetExceeded)
	}

	req.Header.Set("Authorization", "Bearer "+st.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient(st.proxy).Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// getJSON fetches a typed payload; any non-2xx status is a *statusError.
func (c *Client) getJSON(ctx context.Context, st *fetchState, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.do(ctx, st, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &statusError{code: resp.StatusCode, url: rawURL}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", rawURL, err)
	}
	return nil
}

// getSnapshot fetches an opaque telemetry payload. 204 and empty 200 bodies
// are valid "no recent upload" outcomes and decode to an empty snapshot.
func (c *Client) getSnapshot(ctx context.Context, st *fetchState, rawURL string) (model.TelemetrySnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	return c.readSnapshot(ctx, st, req, rawURL)
}

// postSnapshot posts a JSON body and reads back an opaque telemetry payload.
func (c *Client) postSnapshot(ctx context.Context, st *fetchState, rawURL string, body any) (model.TelemetrySnapshot, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.readSnapshot(ctx, st, req, rawURL)
}

func (c *Client) readSnapshot(ctx context.Context, st *fetchState, req *http.Request, rawURL string) (model.TelemetrySnapshot, error) {
	resp, err := c.do(ctx, st, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return model.TelemetrySnapshot{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode, url: rawURL}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return model.TelemetrySnapshot{}, nil
	}

	var snapshot model.TelemetrySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding telemetry payload from %s: %w", rawURL, err)
	}
	return snapshot, nil
}

// sleepCtx sleeps for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
