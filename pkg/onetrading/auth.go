package onetrading

import (
	"errors"
	"net/http"
)

// Authenticator decorates outgoing private requests.
type Authenticator interface {
	AddAuthHeaders(req *http.Request) error
}

var ErrMissingAPIKey = errors.New("onetrading: api key is required")

// APIKeyAuthenticator sends the key (and optional passphrase) as headers.
type APIKeyAuthenticator struct {
	apiKey     string
	passphrase string
}

func NewAPIKeyAuthenticator(apiKey, passphrase string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		apiKey:     apiKey,
		passphrase: passphrase,
	}
}

func (a *APIKeyAuthenticator) AddAuthHeaders(req *http.Request) error {
	if a.apiKey == "" {
		return ErrMissingAPIKey
	}
	req.Header.Set("X-API-KEY", a.apiKey)
	if a.passphrase != "" {
		req.Header.Set("X-API-PASSPHRASE", a.passphrase)
	}
	return nil
}
