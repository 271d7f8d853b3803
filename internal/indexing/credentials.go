package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	jwtauth "golang.org/x/oauth2/jwt"
)

const (
	// Scope grants access to the Indexing API
	Scope = "https://www.googleapis.com/auth/indexing"

	defaultTokenURI   = "https://oauth2.googleapis.com/token"
	assertionLifetime = time.Hour
)

// ServiceAccount is the subset of a Google service account key file used for signing
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// LoadServiceAccount reads and validates a service account key file
func LoadServiceAccount(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	return ParseServiceAccount(data)
}

// ParseServiceAccount parses a service account key from its JSON form
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("parse service account json: %w", err)
	}

	if sa.Type != "" && sa.Type != "service_account" {
		return nil, fmt.Errorf("credential type %q is not a service account", sa.Type)
	}
	if sa.ClientEmail == "" {
		return nil, errors.New("service account has no client_email")
	}
	if sa.PrivateKey == "" {
		return nil, errors.New("service account has no private_key")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = defaultTokenURI
	}

	if _, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey)); err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}

	return &sa, nil
}

// TokenSource returns a cached token source that exchanges signed assertions
// for access tokens at the account's token URI
func (sa *ServiceAccount) TokenSource(httpClient *http.Client, scopes ...string) oauth2.TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if len(scopes) == 0 {
		scopes = []string{Scope}
	}

	log.Debug().
		Str("client_email", sa.ClientEmail).
		Str("token_uri", sa.TokenURI).
		Msg("Using service account credentials")

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	return sa.jwtConfig(scopes).TokenSource(ctx)
}

func (sa *ServiceAccount) jwtConfig(scopes []string) *jwtauth.Config {
	return &jwtauth.Config{
		Email:        sa.ClientEmail,
		PrivateKey:   []byte(sa.PrivateKey),
		PrivateKeyID: sa.PrivateKeyID,
		Scopes:       scopes,
		TokenURL:     sa.TokenURI,
		Expires:      assertionLifetime,
	}
}
