// Package credential implements the CredentialStore port on a JSON bundle
// file plus the portal's OAuth token endpoint.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/natefinch/atomic"

	"github.com/medrelay/medrelay/internal/domain/model"
	"github.com/medrelay/medrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*Store)(nil)

// expiryLeeway treats a token that dies within the next minute as already
// expired, so an attempt never starts with a token that can't outlive it.
const expiryLeeway = time.Minute

// Store is the file-backed credential bundle store. The bundle file is the
// compatibility surface with the interactive login flow that produced it.
type Store struct {
	path       string
	httpClient *http.Client
	now        func() time.Time
}

// NewStore creates a Store persisting to the given path.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// NewStoreWithHTTPClient creates a Store with an injected http.Client.
// This constructor is intended for testing against an httptest server.
func NewStoreWithHTTPClient(path string, httpClient *http.Client) *Store {
	s := NewStore(path)
	s.httpClient = httpClient
	return s
}

// Load reads the persisted bundle. A missing or unparsable file yields
// (nil, nil): both mean "no usable credentials", which the caller maps to its
// own not-authenticated handling.
func (s *Store) Load() (*model.CredentialBundle, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("credential bundle unreadable", "path", s.path, "error", err)
		}
		return nil, nil
	}

	var bundle model.CredentialBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		slog.Warn("credential bundle unparsable, treating as absent", "path", s.path, "error", err)
		return nil, nil
	}

	return &bundle, nil
}

// Save persists the bundle with a write-temp-then-rename so a crash mid-write
// never leaves a corrupt file.
func (s *Store) Save(bundle *model.CredentialBundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential bundle: %w", err)
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("persisting credential bundle to %s: %w", s.path, err)
	}

	return nil
}

// Delete removes the persisted bundle. Deleting an absent bundle is a no-op.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting credential bundle %s: %w", s.path, err)
	}
	return nil
}

// Expired decodes the access token's registered claims without verifying the
// signature (the portal is the signature authority) and checks the expiry
// against now plus a small leeway. A token with no decodable expiry is
// treated as expired.
func (s *Store) Expired(bundle *model.CredentialBundle) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(bundle.AccessToken, claims); err != nil {
		return true
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}

	return !s.now().Add(expiryLeeway).Before(exp.Time)
}

// tokenResponse is the portal token endpoint's refresh response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh performs the OAuth refresh-token exchange against the bundle's
// token URL. On success the updated bundle is persisted and returned; the
// previous refresh token is kept when the server does not rotate it. A
// 400/401/403 from the token endpoint means the refresh token itself is dead
// and is reported as ErrRefreshRejected.
func (s *Store) Refresh(ctx context.Context, bundle *model.CredentialBundle) (*model.CredentialBundle, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {bundle.RefreshToken},
		"client_id":     {bundle.ClientID},
	}
	if bundle.Scope != "" {
		form.Set("scope", bundle.Scope)
	}
	if bundle.Audience != "" {
		form.Set("audience", bundle.Audience)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bundle.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, driven.ErrRefreshRejected)
	default:
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	updated := *bundle
	updated.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		updated.RefreshToken = tr.RefreshToken
	}
	if tr.Scope != "" {
		updated.Scope = tr.Scope
	}

	if err := s.Save(&updated); err != nil {
		return nil, err
	}

	slog.Info("access token refreshed",
		"token_url", bundle.TokenURL,
		"refresh_token_rotated", tr.RefreshToken != "",
		"expires_in", tr.ExpiresIn,
	)

	return &updated, nil
}
