// Package httppool provides the process-wide bounded HTTP client (spec C3)
// shared by the callback transport and the account_enhance provider client;
// the warehouse and caches talk to ClickHouse through database/sql instead.
// It caps total
// in-flight requests and per-host concurrency, and drains in-flight work on
// shutdown instead of cutting connections abruptly.
package httppool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/breaker"
	"golang.org/x/sync/semaphore"
)

// ErrCircuitOpen is returned by Acquire when the target host's circuit
// breaker is open, so a caller's own retry policy can classify it instead
// of spending an attempt on a connection that won't be granted anyway.
var ErrCircuitOpen = errors.New("httppool: circuit open for host")

// breaker tuning is fixed rather than configurable per pool: a 30s window
// with 5 minimum samples keeps single cold-start requests from tripping it
// (it trips at a 50% failure rate), and once open a single probe is let
// through after a 5s cooldown, whose outcome closes or reopens it.
const (
	breakerWindow        = 30 * time.Second
	breakerCooldown      = 5 * time.Second
	breakerFailureThresh = 0.5
	breakerMinSamples    = 5
)

// Pool is safe for concurrent use.
type Pool struct {
	client   *http.Client
	global   *semaphore.Weighted
	perHost  int
	hostSems sync.Map // host -> *semaphore.Weighted
	breakers sync.Map // host -> *breaker.CircuitBreaker

	mu       sync.Mutex
	inFlight int
	drained  chan struct{}
}

// New builds a Pool. maxConns bounds total concurrent requests across all
// hosts; perHost bounds concurrency to any single host.
func New(maxConns, perHost int, requestTimeout time.Duration) *Pool {
	if maxConns < 1 {
		maxConns = 1
	}
	if perHost < 1 {
		perHost = 1
	}
	return &Pool{
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxConns,
				MaxIdleConnsPerHost: perHost,
				MaxConnsPerHost:     perHost,
			},
		},
		global:  semaphore.NewWeighted(int64(maxConns)),
		perHost: perHost,
	}
}

func (p *Pool) hostSem(host string) *semaphore.Weighted {
	v, _ := p.hostSems.LoadOrStore(host, semaphore.NewWeighted(int64(p.perHost)))
	return v.(*semaphore.Weighted)
}

func (p *Pool) hostBreaker(host string) *breaker.CircuitBreaker {
	v, _ := p.breakers.LoadOrStore(host, breaker.New(breakerWindow, breakerCooldown, breakerFailureThresh, breakerMinSamples))
	return v.(*breaker.CircuitBreaker)
}

// RecordResult reports the outcome of a request made through a lease
// previously acquired for host, feeding that host's circuit breaker. Callers
// that don't report results simply never trip the breaker for that host.
func (p *Pool) RecordResult(host string, ok bool) {
	p.hostBreaker(host).Record(ok)
}

// lease is released via Release on every exit path of the caller.
type lease struct {
	pool *Pool
	host string
}

// Acquire blocks until a global and per-host slot is available (or ctx is
// done), then returns the shared client and a lease to release afterward.
func (p *Pool) Acquire(ctx context.Context, host string) (*http.Client, func(), error) {
	if !p.hostBreaker(host).Allow() {
		return nil, nil, ErrCircuitOpen
	}
	if err := p.global.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	hs := p.hostSem(host)
	if err := hs.Acquire(ctx, 1); err != nil {
		p.global.Release(1)
		return nil, nil, err
	}

	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()

	l := &lease{pool: p, host: host}
	return p.client, l.release, nil
}

func (l *lease) release() {
	l.pool.hostSem(l.host).Release(1)
	l.pool.global.Release(1)

	l.pool.mu.Lock()
	l.pool.inFlight--
	drained := l.pool.inFlight == 0 && l.pool.drained != nil
	l.pool.mu.Unlock()

	if drained {
		close(l.pool.drained)
	}
}

// Shutdown waits for in-flight requests to finish, up to grace, then returns
// regardless (the caller should treat this as best-effort: the underlying
// transport's idle connections are closed either way).
func (p *Pool) Shutdown(ctx context.Context, grace time.Duration) {
	p.mu.Lock()
	if p.inFlight == 0 {
		p.mu.Unlock()
		p.client.CloseIdleConnections()
		return
	}
	p.drained = make(chan struct{})
	drained := p.drained
	p.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
	case <-ctx.Done():
	}
	p.client.CloseIdleConnections()
}
