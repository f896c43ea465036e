// Package driven defines the driven ports and their sentinel errors.
package driven

import (
	"context"
	"errors"

	"github.com/medrelay/medrelay/internal/domain/model"
)

// Non-retryable configuration errors. No amount of retrying or proxy rotation
// fixes these; they are surfaced to the caller immediately.
var (
	// ErrNotAuthenticated means no usable credential bundle exists: either
	// none was ever persisted, or the refresh token was rejected and the
	// bundle deleted.
	ErrNotAuthenticated = errors.New("not authenticated: no usable credential bundle")

	// ErrNoLinkedAccounts means a carepartner account has no linked patients
	// to read telemetry from.
	ErrNoLinkedAccounts = errors.New("carepartner account has no linked patients")

	// ErrInvalidServerName means the configured portal server matches neither
	// known peer name.
	ErrInvalidServerName = errors.New("unknown portal server name")

	// ErrNoBleEndpoint means the country settings for a BLE-class device do
	// not expose a BLE data endpoint.
	ErrNoBleEndpoint = errors.New("country settings expose no BLE data endpoint")
)

// Defensive and exhaustion errors. Terminal for the fetch call; the poll loop
// logs them and proceeds to the next cycle.
var (
	// ErrFetchExhausted wraps the last underlying error after all retry
	// budget and proxy rotations are spent.
	ErrFetchExhausted = errors.New("fetch retries exhausted")

	// ErrRequestBudgetExceeded aborts a fetch whose outbound request count
	// passed the per-call ceiling, guarding against redirect or fallback
	// loops introduced by a misbehaving remote.
	ErrRequestBudgetExceeded = errors.New("request budget exceeded for a single fetch")
)

// TelemetrySource defines the driven port for retrieving one raw telemetry
// snapshot from the device-data portal.
type TelemetrySource interface {
	// Fetch authenticates, resolves the account role, and retrieves telemetry
	// via the role-appropriate path under the retry/rotation state machine.
	// An empty snapshot with a nil error means "no recent upload", not failure.
	Fetch(ctx context.Context) (model.TelemetrySnapshot, error)
}

// ProxyRotator defines the driven port for outbound proxy rotation. Selecting
// a proxy never blocks; it is a pure in-memory state transition.
type ProxyRotator interface {
	// HasProxies reports whether any proxies are configured.
	HasProxies() bool

	// ResetRetries zeroes the consumed-rotation counter at the top of a fetch
	// cycle. The rotation index deliberately persists across cycles so
	// repeated failures don't always restart at the same dead proxy.
	ResetRetries()

	// TryNext returns the next proxy in circular order, or nil once the
	// per-cycle rotation budget is exhausted or no proxies are configured.
	TryNext() *model.ProxyDescriptor
}
