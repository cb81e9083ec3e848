// Package identity consumes the external identity provider.
//
// The server never owns accounts or credentials; it only asks the provider
// whether a user id is valid before admitting a connection.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Verifier checks whether a user id names a real, active user.
type Verifier interface {
	VerifyUser(ctx context.Context, userID string) (bool, error)
}

var (
	userIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	projectPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// ValidUserID reports whether id is syntactically acceptable. Used to reject
// obviously malformed credentials before hitting the provider.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// ValidProjectID reports whether id is a syntactically acceptable project id.
func ValidProjectID(id string) bool {
	return projectPattern.MatchString(id)
}

// HTTPVerifier verifies users against the identity provider's REST endpoint.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPVerifier creates a verifier for the provider at baseURL.
func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// VerifyUser asks the provider whether userID is valid. A 404 means unknown
// user; any other non-2xx status is an error so callers can distinguish a
// rejected credential from a provider outage.
func (v *HTTPVerifier) VerifyUser(ctx context.Context, userID string) (bool, error) {
	if !ValidUserID(userID) {
		return false, nil
	}

	endpoint := v.baseURL + "/api/users/" + url.PathEscape(userID) + "/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build verify request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("verify user: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}

	var body struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode verify response: %w", err)
	}
	return body.Valid, nil
}

// AllowAllVerifier accepts any syntactically valid user id. Used in
// development when no identity provider is configured.
type AllowAllVerifier struct{}

// VerifyUser implements Verifier.
func (AllowAllVerifier) VerifyUser(_ context.Context, userID string) (bool, error) {
	return ValidUserID(userID), nil
}
