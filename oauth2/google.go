// Package oauth2 implements the federated provider exchange: turning an
// authorization code into a verified external identity. The account core
// never talks to the provider directly; it consumes the Identity this
// package returns.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Identity is the verified identity tuple extracted from the provider.
type Identity struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// Exchanger resolves an authorization code into an Identity.
type Exchanger interface {
	AuthCodeURL(state string) string
	ResolveIdentity(ctx context.Context, code string) (*Identity, error)
}

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// ExchangeTimeout bounds the full code-exchange plus userinfo round trip.
const ExchangeTimeout = 10 * time.Second

// GoogleExchanger exchanges codes against Google's OAuth2 endpoints.
type GoogleExchanger struct {
	config oauth2.Config
}

// NewGoogle builds an exchanger for the given client credentials and
// redirect URL.
func NewGoogle(clientID, clientSecret, redirectURL string) *GoogleExchanger {
	return &GoogleExchanger{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
	}
}

// Configured reports whether client credentials are present.
func (g *GoogleExchanger) Configured() bool {
	return g.config.ClientID != "" && g.config.ClientSecret != ""
}

// AuthCodeURL builds the provider consent URL carrying the CSRF state.
func (g *GoogleExchanger) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state)
}

// googleUserInfo is the v2 userinfo response shape.
type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// ResolveIdentity exchanges the code for tokens and fetches the user's
// profile. Fails on invalid/expired codes, network errors, or a missing
// email in the provider response.
func (g *GoogleExchanger) ResolveIdentity(ctx context.Context, code string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, ExchangeTimeout)
	defer cancel()

	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleUserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.config.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request returned status %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if info.Email == "" {
		return nil, fmt.Errorf("no email in provider response")
	}

	return &Identity{
		SubjectID:     info.ID,
		Email:         info.Email,
		EmailVerified: info.VerifiedEmail,
		Name:          info.Name,
		Picture:       info.Picture,
	}, nil
}
