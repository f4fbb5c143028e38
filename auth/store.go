package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrUnauthenticated means no usable credential exists for the request:
// none was presented, or the refresh exchange was rejected.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// ErrRefreshRejected is returned by an Exchanger when the upstream refused
// the refresh token (invalid, expired or already used).
var ErrRefreshRejected = errors.New("auth: refresh token rejected")

// Store holds the credential pair of a single inbound request. It is safe
// for concurrent use by the parallel sub-calls of that request; the refresh
// state is the only mutable state they share.
type Store struct {
	mu      sync.Mutex
	current Pair
	has     bool

	pending *Pair
	clear   bool

	// rejected is set when a failed refresh dropped the presented pair.
	rejected error

	refresh refreshState
}

type refreshState struct {
	started bool
	done    chan struct{}
	pair    Pair
	err     error
}

// NewStore reads the credential pair carried by r. Reading is a pure lookup:
// no network call happens here.
func NewStore(r *http.Request) *Store {
	p, ok := readPair(r)
	return &Store{current: p, has: ok}
}

// NewStaticStore returns a store with no inbound carrier, for callers that
// hold a credential outside any browser request (service account, tests).
func NewStaticStore(p Pair) *Store {
	return &Store{current: p, has: !p.Empty()}
}

// Read returns the request's current pair: the inbound one, or the rotated
// one once a refresh succeeded.
func (s *Store) Read() (Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.has
}

// Write makes p the current pair and schedules it for the outbound response.
func (s *Store) Write(p Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current, s.has = p, true
	s.pending = &p
	s.clear = false
	s.rejected = nil
}

// Clear forgets the pair and schedules cookie removal (logout).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current, s.has = Pair{}, false
	s.pending = nil
	s.clear = true
}

// Rotated reports whether a new pair is waiting to be written.
func (s *Store) Rotated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// rejectedErr returns the refresh error that dropped the presented pair, or
// nil.
func (s *Store) rejectedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// takePending returns and resets the scheduled carrier change.
func (s *Store) takePending() (p *Pair, clear bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, clear = s.pending, s.clear
	s.pending, s.clear = nil, false
	return p, clear
}

// refreshOnce runs exchange at most once for the lifetime of the store.
// Concurrent callers block on the in-flight exchange and all observe its
// result; later callers get the memoized result without a new exchange.
func (s *Store) refreshOnce(ctx context.Context, exchange func(context.Context, string) (Pair, error)) (Pair, error) {
	s.mu.Lock()
	if s.refresh.started {
		done := s.refresh.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return Pair{}, ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.refresh.pair, s.refresh.err
	}
	s.refresh.started = true
	s.refresh.done = make(chan struct{})
	refreshToken := s.current.RefreshToken
	s.mu.Unlock()

	var (
		p   Pair
		err error
	)
	if refreshToken == "" {
		err = fmt.Errorf("%w: no refresh token", ErrUnauthenticated)
	} else {
		p, err = exchange(ctx, refreshToken)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.Is(err, ErrRefreshRejected):
			err = fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		default:
			err = fmt.Errorf("auth: refresh: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh.pair, s.refresh.err = p, err
	switch {
	case err == nil:
		s.current, s.has = p, true
		s.pending = &p
		s.clear = false
	case refreshToken != "" && errors.Is(err, ErrUnauthenticated):
		// The browser's pair is dead; drop it so the client re-authenticates.
		s.current, s.has = Pair{}, false
		s.pending = nil
		s.clear = true
		s.rejected = err
	}
	close(s.refresh.done)
	return p, err
}

type storeKey struct{}

// WithStore attaches s to ctx.
func WithStore(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, storeKey{}, s)
}

// StoreFrom returns the request's store, or nil if Middleware did not run.
func StoreFrom(ctx context.Context) *Store {
	s, _ := ctx.Value(storeKey{}).(*Store)
	return s
}
