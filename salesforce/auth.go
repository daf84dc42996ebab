// Package salesforce talks to the sales-ops side of the sync over the Salesforce REST and Bulk 2.0 APIs.
package salesforce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	System            = "salesforce"
	DefaultAPIVersion = "v59.0"
	productionLogin   = "https://login.salesforce.com"
	sandboxLogin      = "https://test.salesforce.com"
	defaultTokenLife  = 2 * time.Hour
	refreshMargin     = 5 * time.Minute
)

type Config struct {
	ClientID     string
	ClientSecret string
	InstanceURL  string
	RefreshToken string
	APIVersion   string
	LoginURL     string
	Timeout      time.Duration
}

// LoginURLFor picks the token host for an instance: sandboxes and test orgs log in through test.salesforce.com.
func LoginURLFor(instanceURL string) string {
	u := strings.ToLower(instanceURL)
	if strings.Contains(u, "sandbox") || strings.Contains(u, "test") {
		return sandboxLogin
	}
	return productionLogin
}

// Auth keeps one access token per client, refreshing it shortly before it expires. With a
// refresh token configured the refresh_token grant is used, otherwise client_credentials.
type Auth struct {
	cfg  Config
	http *http.Client

	mu          sync.Mutex
	token       *oauth2.Token
	instanceURL string
	now         func() time.Time
}

func NewAuth(cfg Config, httpClient *http.Client) *Auth {
	if cfg.LoginURL == "" {
		cfg.LoginURL = LoginURLFor(cfg.InstanceURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Auth{cfg: cfg, http: httpClient, instanceURL: strings.TrimRight(cfg.InstanceURL, "/"), now: time.Now}
}

func (a *Auth) tokenURL() string {
	return strings.TrimRight(a.cfg.LoginURL, "/") + "/services/oauth2/token"
}

// Token returns a valid access token and the instance it is good for.
func (a *Auth) Token(ctx context.Context) (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != nil && a.token.Expiry.After(a.now().Add(refreshMargin)) {
		return a.token.AccessToken, a.instanceURL, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.http)
	endpoint := oauth2.Endpoint{TokenURL: a.tokenURL(), AuthStyle: oauth2.AuthStyleInParams}
	var (
		tok *oauth2.Token
		err error
	)
	if a.cfg.RefreshToken != "" {
		conf := &oauth2.Config{ClientID: a.cfg.ClientID, ClientSecret: a.cfg.ClientSecret, Endpoint: endpoint}
		tok, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: a.cfg.RefreshToken}).Token()
	} else {
		conf := &clientcredentials.Config{
			ClientID:     a.cfg.ClientID,
			ClientSecret: a.cfg.ClientSecret,
			TokenURL:     endpoint.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tok, err = conf.Token(ctx)
	}
	if err != nil {
		return "", "", fmt.Errorf("salesforce oauth: %w", err)
	}
	if tok.AccessToken == "" {
		return "", "", errors.New("salesforce oauth: empty access token")
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = a.now().Add(defaultTokenLife)
	}
	if inst, ok := tok.Extra("instance_url").(string); ok && inst != "" {
		a.instanceURL = strings.TrimRight(inst, "/")
	}
	a.token = tok
	return tok.AccessToken, a.instanceURL, nil
}

// Invalidate drops the cached token after the API rejected it.
func (a *Auth) Invalidate() {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
}
