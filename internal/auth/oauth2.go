package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const tokenEndpointTimeout = 30 * time.Second

// issuedToken is an access token and the moment brokerload stops trusting it.
type issuedToken struct {
	value   string
	staleAt time.Time
}

func (t issuedToken) usable(now time.Time) bool {
	return t.value != "" && now.Before(t.staleAt)
}

// OAuth2Provider fetches tokens from an OAuth2 token endpoint and caches them
// until leeway before they expire. Concurrent callers share one in-flight
// token request.
type OAuth2Provider struct {
	endpoint     string
	clientID     string
	clientSecret string
	grant        url.Values
	leeway       time.Duration
	client       *http.Client

	refresh singleflight.Group
	mu      sync.Mutex
	current issuedToken
}

// NewOAuth2ClientCredentialsProvider uses the client credentials grant.
func NewOAuth2ClientCredentialsProvider(tokenURL, clientID, clientSecret string, scopes []string, leeway time.Duration) *OAuth2Provider {
	return newOAuth2Provider(tokenURL, clientID, clientSecret, url.Values{"grant_type": {"client_credentials"}}, scopes, leeway)
}

// NewOAuth2ResourceOwnerProvider uses the resource owner password grant.
func NewOAuth2ResourceOwnerProvider(tokenURL, clientID, clientSecret, username, password string, scopes []string, leeway time.Duration) *OAuth2Provider {
	grant := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	return newOAuth2Provider(tokenURL, clientID, clientSecret, grant, scopes, leeway)
}

func newOAuth2Provider(tokenURL, clientID, clientSecret string, grant url.Values, scopes []string, leeway time.Duration) *OAuth2Provider {
	if len(scopes) > 0 {
		grant.Set("scope", strings.Join(scopes, " "))
	}
	return &OAuth2Provider{
		endpoint:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		grant:        grant,
		leeway:       leeway,
		client:       &http.Client{Timeout: tokenEndpointTimeout},
	}
}

func (p *OAuth2Provider) load() issuedToken {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Token returns the cached token or fetches a new one. The fetch is shared by
// every concurrent caller, so it runs detached from ctx and is bounded by
// tokenEndpointTimeout; ctx only limits how long this caller waits for it.
func (p *OAuth2Provider) Token(ctx context.Context) (string, error) {
	if t := p.load(); t.usable(time.Now()) {
		return t.value, nil
	}
	ch := p.refresh.DoChan("token", func() (any, error) {
		if t := p.load(); t.usable(time.Now()) {
			return t.value, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenEndpointTimeout)
		defer cancel()
		t, err := p.requestToken(fetchCtx)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.current = t
		p.mu.Unlock()
		return t.value, nil
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for token: %w", context.Cause(ctx))
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (p *OAuth2Provider) requestToken(ctx context.Context) (issuedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(p.grant.Encode()))
	if err != nil {
		return issuedToken{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(p.clientID, p.clientSecret)

	requested := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return issuedToken{}, fmt.Errorf("failed to fetch token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return issuedToken{}, fmt.Errorf("failed to read token response: %w", err)
	}
	body := gjson.ParseBytes(raw)

	if code := body.Get("error").String(); code != "" {
		return issuedToken{}, fmt.Errorf("oauth2 error (status %d): %s %s", resp.StatusCode, code, body.Get("error_description").String())
	}
	if resp.StatusCode != http.StatusOK {
		return issuedToken{}, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return issuedToken{}, fmt.Errorf("token response is not JSON")
	}
	access := body.Get("access_token").String()
	if access == "" {
		return issuedToken{}, fmt.Errorf("no access token in response")
	}
	lifetime := time.Duration(body.Get("expires_in").Int()) * time.Second
	return issuedToken{value: access, staleAt: requested.Add(lifetime - p.leeway)}, nil
}

// Close releases idle connections to the token endpoint.
func (p *OAuth2Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
