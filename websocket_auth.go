package main

import (
	"errors"
	"net/http"
	"strings"

	"payflow/hub/internal/auth"
)

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// allowAllAuthenticator admits every request with an anonymous identity. It is
// only installed when no signing secret is configured.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request) (string, error) {
	return "", nil
}

type tokenAuthenticator struct {
	verifier *auth.TokenVerifier
}

func newTokenAuthenticator(secret, issuer, audience string) (websocketAuthenticator, error) {
	verifier, err := auth.NewTokenVerifier(secret, issuer, audience)
	if err != nil {
		return nil, err
	}
	return &tokenAuthenticator{verifier: verifier}, nil
}

// Authenticate extracts the bearer token and returns the authenticated user id.
// Credentials are searched in the Authorization header first, then the token
// query parameter, then the access_token cookie.
func (a *tokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := bearerToken(r)
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// WithAuthenticator wires a custom authenticator into the hub.
func WithAuthenticator(authenticator websocketAuthenticator) HubOption {
	return func(h *Hub) {
		if h == nil || authenticator == nil {
			return
		}
		h.authenticator = authenticator
	}
}
