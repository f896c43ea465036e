// Package carelink implements the TelemetrySource port against the Medtronic
// CareLink portal.
package carelink

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/medrelay/medrelay/internal/domain/port/driven"
)

// The two portal peers. Region selection is an exact-match choice between
// them; anything else is a configuration error.
const (
	ServerUS = "carelink.minimed.com"
	ServerEU = "carelink.minimed.eu"
)

// Endpoints maps one (server, country, language) selection to the absolute
// portal URLs the client calls. Construction is pure: no network, no I/O.
type Endpoints struct {
	base     *url.URL
	country  string
	language string
}

// NewEndpoints validates the server name against the two known peers and
// returns the resolver. No fuzzy matching: a typo'd server should fail loudly
// at startup, not at the first fetch.
func NewEndpoints(server, country, language string) (*Endpoints, error) {
	if server != ServerUS && server != ServerEU {
		return nil, fmt.Errorf("server %q: %w", server, driven.ErrInvalidServerName)
	}
	return &Endpoints{
		base:     &url.URL{Scheme: "https", Host: server},
		country:  country,
		language: language,
	}, nil
}

// NewEndpointsWithBase creates a resolver rooted at an arbitrary base URL,
// bypassing peer-name validation. Intended for tests against httptest servers.
func NewEndpointsWithBase(baseURL, country, language string) (*Endpoints, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &Endpoints{base: base, country: country, language: language}, nil
}

// Me is the identity ("who am I") endpoint; its response carries the account
// role and username.
func (e *Endpoints) Me() string {
	return e.base.JoinPath("patient", "users", "me").String()
}

// LinkedPatients lists the patient accounts a carepartner may read.
func (e *Endpoints) LinkedPatients() string {
	return e.base.JoinPath("patient", "m2m", "links", "patients").String()
}

// ConnectData is the legacy connect-data endpoint. nonceMS is a millisecond
// timestamp used as an anti-cache nonce, not a real time filter. username and
// role are set only on the carepartner path.
func (e *Endpoints) ConnectData(nonceMS int64, username string, role string) string {
	u := e.base.JoinPath("patient", "connect", "data")

	q := url.Values{}
	q.Set("cpSerialNumber", "NONE")
	q.Set("msgType", "last24hours")
	q.Set("requestTime", strconv.FormatInt(nonceMS, 10))
	if username != "" {
		q.Set("username", username)
		q.Set("role", role)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// MonitorData is the modern patient data endpoint.
func (e *Endpoints) MonitorData() string {
	return e.base.JoinPath("patient", "monitor", "data").String()
}

// CountrySettings returns per-country portal settings, including the BLE data
// endpoint for BLE-class devices.
func (e *Endpoints) CountrySettings() string {
	u := e.base.JoinPath("patient", "countries", "settings")

	q := url.Values{}
	q.Set("countryCode", e.country)
	q.Set("language", e.language)
	u.RawQuery = q.Encode()

	return u.String()
}
