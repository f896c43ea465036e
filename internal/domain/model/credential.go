// Package model contains the domain types shared across adapters and services.
package model

// CredentialBundle is the CareLink credential set produced by the out-of-band
// interactive login flow and refreshed by this process. The JSON key names are
// a compatibility surface with that login flow and must round-trip losslessly.
type CredentialBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ClientID     string `json:"client_id"`
	TokenURL     string `json:"token_url"`
	Audience     string `json:"audience"`
}
