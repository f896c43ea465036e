package driven

import (
	"context"
	"errors"

	"github.com/medrelay/medrelay/internal/domain/model"
)

// ErrRefreshRejected is returned by CredentialStore.Refresh when the portal's
// token endpoint rejects the refresh token itself. This is terminal for the
// current process: the persisted bundle must be deleted and a new interactive
// login performed out of band.
var ErrRefreshRejected = errors.New("refresh token rejected by token endpoint")

// CredentialStore defines the driven port for the credential bundle
// lifecycle: durable persistence, expiry detection, and the OAuth refresh
// exchange. The store exclusively owns the bundle; callers borrow read-only
// snapshots.
type CredentialStore interface {
	// Load returns the persisted bundle, or (nil, nil) when the bundle file
	// is missing or unparsable. A missing bundle is an expected state (no
	// login has happened yet), never an error.
	Load() (*model.CredentialBundle, error)

	// Save persists the bundle atomically, so a crash mid-write never leaves
	// a corrupt file.
	Save(bundle *model.CredentialBundle) error

	// Delete removes the persisted bundle. Deleting an absent bundle is a no-op.
	Delete() error

	// Expired reports whether the bundle's access token is past (or within a
	// small leeway of) its embedded expiry claim. The signature is not
	// verified; the portal is the signature authority. Tokens with no
	// decodable expiry count as expired.
	Expired(bundle *model.CredentialBundle) bool

	// Refresh exchanges the refresh token for a new access token against the
	// bundle's token URL, persists the updated bundle, and returns it.
	// Returns ErrRefreshRejected when the refresh token is invalid or expired.
	Refresh(ctx context.Context, bundle *model.CredentialBundle) (*model.CredentialBundle, error)
}
