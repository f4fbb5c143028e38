package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/horosafe"
)

// ErrInvalidCredentials is returned by Login when the upstream refuses the
// email/password combination.
var ErrInvalidCredentials = errors.New("upstream: invalid credentials")

// tokenResponse mirrors the "data" member of the /auth/* endpoints.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expires      int64  `json:"expires"` // access token lifetime in milliseconds
}

func (t tokenResponse) pair(now time.Time) auth.Pair {
	var exp *time.Time
	if t.Expires > 0 {
		e := now.Add(time.Duration(t.Expires) * time.Millisecond)
		exp = &e
	}
	return auth.NewPair(t.AccessToken, t.RefreshToken, exp)
}

// Exchange trades a refresh token for a new pair (POST /auth/refresh).
// A 400/401/403 answer wraps auth.ErrRefreshRejected.
func (c *Client) Exchange(ctx context.Context, refreshToken string) (auth.Pair, error) {
	body := map[string]string{"refresh_token": refreshToken, "mode": "json"}
	tr, status, err := c.tokenCall(ctx, "/auth/refresh", body)
	if err != nil {
		if status == 400 || status == 401 || status == 403 {
			return auth.Pair{}, fmt.Errorf("%w: %v", auth.ErrRefreshRejected, err)
		}
		return auth.Pair{}, err
	}
	return tr.pair(time.Now()), nil
}

// Login authenticates with email/password (POST /auth/login).
func (c *Client) Login(ctx context.Context, email, password string) (auth.Pair, error) {
	body := map[string]string{"email": email, "password": password, "mode": "json"}
	tr, status, err := c.tokenCall(ctx, "/auth/login", body)
	if err != nil {
		if status == 400 || status == 401 || status == 403 {
			return auth.Pair{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return auth.Pair{}, err
	}
	return tr.pair(time.Now()), nil
}

// Logout invalidates the refresh token upstream (POST /auth/logout).
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	if err := c.breaker.Guard(serviceName); err != nil {
		return err
	}
	body := map[string]string{"refresh_token": refreshToken, "mode": "json"}
	status, data, err := c.roundTrip(ctx, "POST", "/auth/logout", body, "")
	c.record(ctx, classifyToken(status, err))
	if err != nil {
		return fmt.Errorf("upstream: logout: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("upstream: logout: status %d: %s", status, errorDetail(data))
	}
	return nil
}

func (c *Client) tokenCall(ctx context.Context, path string, body any) (tokenResponse, int, error) {
	if err := c.breaker.Guard(serviceName); err != nil {
		return tokenResponse{}, 0, err
	}
	status, data, err := c.roundTrip(ctx, "POST", path, body, "")
	c.record(ctx, classifyToken(status, err))
	if err != nil {
		return tokenResponse{}, status, fmt.Errorf("upstream: %s: %w", path, err)
	}
	if status < 200 || status >= 300 {
		return tokenResponse{}, status, fmt.Errorf("upstream: %s: status %d: %s", path, status, errorDetail(data))
	}
	var env struct {
		Data tokenResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return tokenResponse{}, status, fmt.Errorf("upstream: %s: %w (body: %s)", path, ErrMalformed, horosafe.Truncate(string(data), horosafe.MaxDetailLen))
	}
	if env.Data.AccessToken == "" {
		return tokenResponse{}, status, fmt.Errorf("upstream: %s: %w: no access_token", path, ErrMalformed)
	}
	return env.Data, status, nil
}

// classifyToken reduces a token call to an Outcome for breaker accounting.
func classifyToken(status int, err error) Outcome {
	if err != nil || status >= 500 {
		return Outcome{Kind: TransientError, Status: status}
	}
	return Outcome{Kind: Success, Status: status}
}

// ServiceAccount holds credentials of a non-human upstream user.
type ServiceAccount struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// Configured reports whether both email and password are set.
func (sa ServiceAccount) Configured() bool { return sa.Email != "" && sa.Password != "" }

// ServiceTokenSource returns an oauth2.TokenSource backed by the service
// account. Tokens are reused until they expire, then refreshed, falling back
// to a fresh login when the refresh token is rejected.
func (c *Client) ServiceTokenSource(ctx context.Context, sa ServiceAccount) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &serviceSource{ctx: ctx, client: c, account: sa})
}

type serviceSource struct {
	ctx     context.Context
	client  *Client
	account ServiceAccount

	mu   sync.Mutex
	last auth.Pair
}

func (s *serviceSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.CanRefresh() {
		p, err := s.client.Exchange(s.ctx, s.last.RefreshToken)
		if err == nil {
			s.last = p
			return p.OAuth2(), nil
		}
		if !errors.Is(err, auth.ErrRefreshRejected) {
			return nil, err
		}
	}
	p, err := s.client.Login(s.ctx, s.account.Email, s.account.Password)
	if err != nil {
		return nil, fmt.Errorf("upstream: service account login: %w", err)
	}
	s.last = p
	return p.OAuth2(), nil
}
