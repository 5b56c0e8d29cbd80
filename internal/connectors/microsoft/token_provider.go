package microsoft

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// Ensure ClientCredentialsProvider implements the interface.
var _ driven.TokenProvider = (*ClientCredentialsProvider)(nil)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 5 * time.Minute

// defaultTokenLifetime applies when the token response has no expires_in.
const defaultTokenLifetime = time.Hour

// rejectedCodes are OAuth error codes that no retry can fix.
var rejectedCodes = map[string]bool{
	"invalid_client":         true,
	"unauthorized_client":    true,
	"invalid_grant":          true,
	"invalid_scope":          true,
	"invalid_request":        true,
	"unsupported_grant_type": true,
}

// TokenProviderConfig configures a ClientCredentialsProvider.
type TokenProviderConfig struct {
	Credential domain.Credential
	// Secret is the resolved client secret.
	Secret string
	// Resource is the scheme://host the token is issued for.
	Resource      string
	AuthorityHost string
	// TokenURL overrides the URL derived from AuthorityHost and tenant.
	TokenURL string
	// RefreshMargin defaults to DefaultRefreshMargin.
	RefreshMargin time.Duration
	Policy        RetryPolicy
	HTTPClient    *http.Client
}

// tokenCall is one in-flight acquisition shared by concurrent callers.
type tokenCall struct {
	done  chan struct{}
	token domain.Token
	err   error
}

// ClientCredentialsProvider acquires Azure AD tokens with the client
// credentials grant. Reads of a valid cached token are lock-free; refresh
// is single-flight.
type ClientCredentialsProvider struct {
	oauth      *clientcredentials.Config
	httpClient *http.Client
	margin     time.Duration
	policy     RetryPolicy
	now        func() time.Time

	cached atomic.Pointer[domain.Token]

	mu       sync.Mutex
	inflight *tokenCall
}

// NewClientCredentialsProvider creates a token provider for one credential set.
func NewClientCredentialsProvider(cfg TokenProviderConfig) (*ClientCredentialsProvider, error) {
	if cfg.Credential.TenantID == "" || cfg.Credential.ClientID == "" {
		return nil, fmt.Errorf("%w: tenant and client id are required", domain.ErrInvalidInput)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: client secret is required", domain.ErrInvalidInput)
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("%w: resource is required", domain.ErrInvalidInput)
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL(cfg.AuthorityHost, cfg.Credential.TenantID)
	}
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &ClientCredentialsProvider{
		oauth: &clientcredentials.Config{
			ClientID:     cfg.Credential.ClientID,
			ClientSecret: cfg.Secret,
			TokenURL:     tokenURL,
			Scopes:       []string{Scope(cfg.Resource)},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
		margin:     margin,
		policy:     cfg.Policy,
		now:        time.Now,
	}, nil
}

// GetToken returns a cached token or acquires a new one.
func (p *ClientCredentialsProvider) GetToken(ctx context.Context) (domain.Token, error) {
	if t := p.cached.Load(); t != nil && t.ValidAt(p.now(), p.margin) {
		return *t, nil
	}

	p.mu.Lock()
	if t := p.cached.Load(); t != nil && t.ValidAt(p.now(), p.margin) {
		p.mu.Unlock()
		return *t, nil
	}
	call := p.inflight
	if call == nil {
		call = &tokenCall{done: make(chan struct{})}
		p.inflight = call
		// Detached so one caller's cancellation does not fail the waiters;
		// each attempt is bounded by the HTTP client timeout.
		go p.runAcquire(context.WithoutCancel(ctx), call)
	}
	p.mu.Unlock()

	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return domain.Token{}, &domain.AuthError{Kind: domain.AuthTransient, Err: ctx.Err()}
	}
}

func (p *ClientCredentialsProvider) runAcquire(ctx context.Context, call *tokenCall) {
	call.token, call.err = p.acquire(ctx)
	if call.err == nil {
		tok := call.token
		p.cached.Store(&tok)
	}

	p.mu.Lock()
	p.inflight = nil
	p.mu.Unlock()
	close(call.done)
}

// Invalidate drops the cached token.
func (p *ClientCredentialsProvider) Invalidate() {
	p.cached.Store(nil)
}

// acquire requests a token, retrying transient failures.
func (p *ClientCredentialsProvider) acquire(ctx context.Context) (domain.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	for attempt := 0; ; attempt++ {
		tok, err := p.oauth.Token(ctx)
		if err == nil {
			expires := tok.Expiry
			if expires.IsZero() {
				expires = p.now().Add(defaultTokenLifetime)
			}
			logger.Debug("auth: acquired token, expires %s", expires.Format(time.RFC3339))
			return domain.Token{Value: tok.AccessToken, ExpiresAt: expires}, nil
		}

		if ctx.Err() != nil {
			return domain.Token{}, &domain.AuthError{Kind: domain.AuthTransient, Err: ctx.Err()}
		}

		kind, retryAfter := classifyTokenError(err)
		if kind == domain.AuthRejected {
			return domain.Token{}, &domain.AuthError{Kind: domain.AuthRejected, Err: err}
		}
		if attempt >= p.policy.MaxRetries {
			return domain.Token{}, &domain.AuthError{Kind: domain.AuthTransient, Err: err}
		}

		delay := retryAfter
		if delay <= 0 {
			delay = p.policy.Delay(attempt)
		}
		p.policy.Notify(RetryEvent{Operation: "auth", Attempt: attempt + 1, Status: statusOf(err), Delay: delay, Err: err})
		if werr := p.policy.Wait(ctx, delay); werr != nil {
			return domain.Token{}, &domain.AuthError{Kind: domain.AuthTransient, Err: werr}
		}
	}
}

// classifyTokenError decides whether a token endpoint failure is worth
// retrying, and returns any server requested delay.
func classifyTokenError(err error) (domain.AuthErrorKind, time.Duration) {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return domain.AuthTransient, 0
	}
	if rejectedCodes[re.ErrorCode] {
		return domain.AuthRejected, 0
	}
	if re.Response == nil {
		return domain.AuthTransient, 0
	}

	status := re.Response.StatusCode
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		d, _ := RetryAfter(re.Response.Header, time.Now())
		return domain.AuthTransient, d
	case status >= 400:
		return domain.AuthRejected, 0
	default:
		return domain.AuthTransient, 0
	}
}

func statusOf(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}
