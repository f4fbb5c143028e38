package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peterbarone/claimtrackpro-web/auth"
	"github.com/peterbarone/claimtrackpro-web/dbopen"
	"github.com/peterbarone/claimtrackpro-web/observability"
	"github.com/peterbarone/claimtrackpro-web/planner"
	"github.com/peterbarone/claimtrackpro-web/upstream"
)

// fakeUpstream accepts a token only when it is in valid, and rejects any
// field listed in hidden with a permission error.
type fakeUpstream struct {
	mu     sync.Mutex
	valid  map[string]bool
	hidden map[string]bool
	calls  []string // "token fields"
}

func (f *fakeUpstream) Call(_ context.Context, req upstream.Request, token string) upstream.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, token+" "+strings.Join(req.Fields, ","))
	if !f.valid[token] {
		return upstream.Outcome{Kind: upstream.AuthExpired, Status: 401}
	}
	for _, field := range req.Fields {
		if f.hidden[field] {
			return upstream.Outcome{Kind: upstream.PermissionDenied, Status: 403}
		}
	}
	return upstream.Outcome{Kind: upstream.Success, Status: 200, Payload: []byte(`{"fields":"` + strings.Join(req.Fields, ",") + `"}`)}
}

func (f *fakeUpstream) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeExchanger struct {
	calls atomic.Int32
	pair  auth.Pair
	err   error
	// onExchange runs before answering, e.g. to make the new token valid.
	onExchange func()
}

func (e *fakeExchanger) Exchange(ctx context.Context, refreshToken string) (auth.Pair, error) {
	e.calls.Add(1)
	if e.onExchange != nil {
		e.onExchange()
	}
	if e.err != nil {
		return auth.Pair{}, e.err
	}
	return e.pair, nil
}

var fullThenSafe = planner.Plan{
	Name: "claim_detail",
	Variants: []planner.Variant{
		{Ordinal: 0, Collection: "claims", Fields: []string{"id", "claim_number", "assigned_to.email"}},
		{Ordinal: 1, Collection: "claims", Fields: []string{"id", "claim_number"}},
	},
}

func TestDo_ValidTokenNeverRefreshes(t *testing.T) {
	up := &fakeUpstream{valid: map[string]bool{"access-1": true}}
	ex := &fakeExchanger{}
	c := New(up, auth.NewCoordinator(ex))
	store := auth.NewStaticStore(auth.Pair{AccessToken: "access-1", RefreshToken: "refresh-1"})

	res, err := c.Do(context.Background(), store, fullThenSafe, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Outcome.OK() || res.Ordinal != 0 {
		t.Fatalf("got %s ordinal %d", res.Outcome.Kind, res.Ordinal)
	}
	if ex.calls.Load() != 0 {
		t.Fatalf("refresh attempted %d times", ex.calls.Load())
	}
	if store.Rotated() {
		t.Fatal("store must not rotate on the happy path")
	}
}

func TestDo_Idempotent(t *testing.T) {
	up := &fakeUpstream{valid: map[string]bool{"access-1": true}, hidden: map[string]bool{"assigned_to.email": true}}
	ex := &fakeExchanger{}
	c := New(up, auth.NewCoordinator(ex))
	store := auth.NewStaticStore(auth.Pair{AccessToken: "access-1", RefreshToken: "refresh-1"})

	first, err := c.Do(context.Background(), store, fullThenSafe, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Do(context.Background(), store, fullThenSafe, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Ordinal != second.Ordinal || string(first.Outcome.Payload) != string(second.Outcome.Payload) {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
	if p, _ := store.Read(); p.AccessToken != "access-1" || ex.calls.Load() != 0 {
		t.Fatal("happy path mutated the credential state")
	}
}

func TestDo_RefreshRestartsFromFirstVariant(t *testing.T) {
	up := &fakeUpstream{valid: map[string]bool{"expired-1": true}, hidden: map[string]bool{"assigned_to.email": true}}
	plan := planner.Plan{Name: "p", Variants: []planner.Variant{
		{Ordinal: 0, Collection: "claims", Fields: []string{"id", "assigned_to.email"}},
		{Ordinal: 1, Collection: "claims", Fields: []string{"id", "status"}},
		{Ordinal: 2, Collection: "claims", Fields: []string{"id"}},
	}}
	// The token expires between v0 and v1; the new one can also read v0.
	wrapped := &expireAfter{fakeUpstream: up, after: 1, token: "expired-1"}
	ex := &fakeExchanger{
		pair: auth.Pair{AccessToken: "access-2", RefreshToken: "refresh-2"},
		onExchange: func() {
			up.mu.Lock()
			up.valid["access-2"] = true
			delete(up.hidden, "assigned_to.email")
			up.mu.Unlock()
		},
	}
	c := New(wrapped, auth.NewCoordinator(ex))
	store := auth.NewStaticStore(auth.Pair{AccessToken: "expired-1", RefreshToken: "refresh-1"})

	res, err := c.Do(context.Background(), store, plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ordinal != 0 || !res.Outcome.OK() {
		t.Fatalf("expected restart at v0, got ordinal %d (%s)", res.Ordinal, res.Outcome.Kind)
	}
	want := []string{"expired-1 id,assigned_to.email", "expired-1 id,status", "access-2 id,assigned_to.email"}
	if got := up.callLog(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("calls:\n got %q\nwant %q", got, want)
	}
}

// expireAfter invalidates token after n calls went through.
type expireAfter struct {
	*fakeUpstream
	after int
	token string
	seen  int
}

func (e *expireAfter) Call(ctx context.Context, req upstream.Request, token string) upstream.Outcome {
	e.fakeUpstream.mu.Lock()
	if e.seen == e.after {
		delete(e.fakeUpstream.valid, e.token)
	}
	e.seen++
	e.fakeUpstream.mu.Unlock()
	return e.fakeUpstream.Call(ctx, req, token)
}

func TestDo_ExpiredAccessRotatesPair(t *testing.T) {
	up := &fakeUpstream{valid: map[string]bool{"access-2": true}}
	ex := &fakeExchanger{pair: auth.Pair{AccessToken: "access-2", RefreshToken: "refresh-2"}}
	c := New(up, auth.NewCoordinator(ex))
	store := auth.NewStaticStore(auth.Pair{AccessToken: "expired-1", RefreshToken: "valid-1"})

	res, err := c.Do(context.Background(), store, fullThenSafe, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ordinal != 0 || string(res.Outcome.Payload) != `{"fields":"id,claim_number,assigned_to.email"}` {
		t.Fatalf("expected full fields, got ordinal %d payload %s", res.Ordinal, res.Outcome.Payload)
	}
	p, _ := store.Read()
	if p.AccessToken != "access-2" || p.RefreshToken != "refresh-2" || !store.Rotated() {
		t.Fatalf("store not rotated: %+v", p)
	}
}

func TestDo_ConcurrentExpiryRefreshesOnce(t *testing.T) {
	up := &fakeUpstream{valid: map[string]bool{"access-2": true}}
	ex := &fakeExchanger{pair: auth.Pair{AccessToken: "access-2", RefreshToken: "refresh-2"}}
	c := New(up, auth.NewCoordinator(ex))
	store := auth.NewStaticStore(auth.Pair{AccessToken: "expired-1", RefreshToken: "valid-1"})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(context.Background(), store, fullThenSafe, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if ex.calls.Load() != 1 {
		t.Fatalf("exchange called %d times, want 1", ex.calls.Load())
	}
}

func TestDo_SecondExpiryIsUnauthenticated(t *testing.T) {
	up := &fakeUpstream{valid: map[string]bool{}}
	ex := &fakeExchanger{pair: auth.Pair{AccessToken: "access-2", RefreshToken: "refresh-2"}}
	c := New(up, auth.NewCoordinator(ex))
	store := auth.NewStaticStore(auth.Pair{AccessToken: "expired-1", RefreshToken: "valid-1"})

	_, err := c.Do(context.Background(), store, fullThenSafe, nil)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if ex.calls.Load() != 1 {
		t.Fatalf("exchange called %d times, want 1", ex.calls.Load())
	}
	if n := len(up.callLog()); n != 2 {
		t.Fatalf("expected one attempt per credential, got %d", n)
	}
}

func TestDo_RefreshFailureIsUnauthenticated(t *testing.T) {
	for name, exErr := range map[string]error{
		"rejected":  auth.ErrRefreshRejected,
		"transient": errors.New("connection reset"),
	} {
		t.Run(name, func(t *testing.T) {
			up := &fakeUpstream{valid: map[string]bool{}}
			c := New(up, auth.NewCoordinator(&fakeExchanger{err: exErr}))
			store := auth.NewStaticStore(auth.Pair{AccessToken: "expired-1", RefreshToken: "r"})

			_, err := c.Do(context.Background(), store, fullThenSafe, nil)
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestDo_NoCredential(t *testing.T) {
	up := &fakeUpstream{valid: map[string]bool{"static": true}}
	store := auth.NewStaticStore(auth.Pair{})

	_, err := New(up, auth.NewCoordinator(&fakeExchanger{})).Do(context.Background(), store, fullThenSafe, nil)
	if !errors.Is(err, ErrUnauthenticated) || len(up.callLog()) != 0 {
		t.Fatalf("expected ErrUnauthenticated without calls, got %v", err)
	}

	c := New(up, auth.NewCoordinator(&fakeExchanger{}, auth.WithFallbackToken("static")))
	res, err := c.Do(context.Background(), store, fullThenSafe, nil)
	if err != nil || !res.Outcome.OK() {
		t.Fatalf("fallback token: %v %s", err, res.Outcome.Kind)
	}
}

func TestDo_CanceledDuringRefresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	up := &fakeUpstream{valid: map[string]bool{}}
	ex := &fakeExchanger{err: errors.New("aborted"), onExchange: cancel}
	c := New(up, auth.NewCoordinator(ex))
	store := auth.NewStaticStore(auth.Pair{AccessToken: "expired-1", RefreshToken: "r"})

	_, err := c.Do(ctx, store, fullThenSafe, nil)
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDo_RecordsDegradedEvent(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	el := observability.NewEventLogger(db)

	up := &fakeUpstream{valid: map[string]bool{"a": true}, hidden: map[string]bool{"assigned_to.email": true}}
	c := New(up, auth.NewCoordinator(&fakeExchanger{}), WithEvents(el))
	res, err := c.Do(context.Background(), auth.NewStaticStore(auth.Pair{AccessToken: "a"}), fullThenSafe, nil)
	if err != nil || res.Ordinal != 1 {
		t.Fatalf("got ordinal %d err %v", res.Ordinal, err)
	}
	n, err := el.CountEvents(context.Background(), observability.EventVariantDegraded)
	if err != nil || n != 1 {
		t.Fatalf("degraded events: %d %v", n, err)
	}
}

func TestRefreshEvents(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	el := observability.NewEventLogger(db)
	hook := RefreshEvents(el)

	hook(context.Background(), nil)
	hook(context.Background(), auth.ErrRefreshRejected)

	for _, typ := range []string{observability.EventCredentialRefreshed, observability.EventRefreshFailed} {
		if n, _ := el.CountEvents(context.Background(), typ); n != 1 {
			t.Fatalf("%s: got %d", typ, n)
		}
	}
}

func TestMetricsObserver(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	mm := observability.NewMetricsManager(db, 100, time.Hour)
	obs := MetricsObserver(mm)

	obs(context.Background(), upstream.Request{Collection: "claims"}, upstream.Outcome{Kind: upstream.NotFound}, 12*time.Millisecond)
	mm.Close()

	q := observability.NewMetricsManager(db, 100, time.Hour)
	defer q.Close()
	got, err := q.Query(context.Background(), observability.MetricFilter{Name: observability.MetricUpstreamCallMs})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 12 || got[0].Labels["target"] != "claims" || got[0].Labels["outcome"] != "not_found" {
		t.Fatalf("unexpected metrics: %+v", got)
	}
	counts, err := q.OutcomeCounts(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if counts["not_found"] != 1 {
		t.Fatalf("outcome counts = %v", counts)
	}
}
