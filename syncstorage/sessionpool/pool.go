// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package sessionpool manages a bounded set of database sessions. Sessions
// are expensive to create, can expire server-side, and must be thrown away
// when the backend no longer recognizes them, so the pool validates every
// session before handing it out again.
package sessionpool

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the class of general pool errors.
	Error = errs.Class("sessionpool")
	// ErrTimeout is returned when no session became available within the
	// wait timeout.
	ErrTimeout = errs.Class("session pool timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errs.Class("session pool closed")
	// ErrNotFound tags ping failures meaning the backend discarded the
	// session; factories wrap their ping errors with it.
	ErrNotFound = errs.Class("session not found")
)

// Resource is one live database session.
type Resource interface {
	// Ping verifies the session is still usable.
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates sessions. Create may block on a credentials handshake.
type Factory interface {
	Create(ctx context.Context) (Resource, error)
}

// Options configures pool behavior. Zero durations disable the
// corresponding age-out.
type Options struct {
	MaxSize     int           `help:"maximum open sessions" default:"25"`
	WaitTimeout time.Duration `help:"how long an acquire waits for a free session before failing" default:"30s"`
	MaxLifespan time.Duration `help:"sessions older than this are recreated on acquire" default:"0"`
	MaxIdle     time.Duration `help:"sessions unused for longer than this are recreated on acquire" default:"0"`
}

// Session wraps a Resource with the bookkeeping the recycler needs.
type Session struct {
	Resource

	createdAt          time.Time
	approximateLastUse time.Time
}

// CreatedAt returns when the underlying resource was created.
func (session *Session) CreatedAt() time.Time { return session.createdAt }

// Pool is a bounded session pool with recycle-on-acquire.
type Pool struct {
	log     *zap.Logger
	factory Factory
	opts    Options

	// tokens bounds the number of open sessions; idle holds released ones.
	tokens chan struct{}
	idle   chan *Session
	closed chan struct{}

	now func() time.Time
}

// New constructs a pool. MaxSize must be positive.
func New(log *zap.Logger, factory Factory, opts Options) *Pool {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1
	}
	pool := &Pool{
		log:     log,
		factory: factory,
		opts:    opts,
		tokens:  make(chan struct{}, opts.MaxSize),
		idle:    make(chan *Session, opts.MaxSize),
		closed:  make(chan struct{}),
		now:     time.Now,
	}
	for i := 0; i < opts.MaxSize; i++ {
		pool.tokens <- struct{}{}
	}
	return pool
}

// Acquire returns a validated session, creating one if no idle session
// survives recycling. It blocks up to WaitTimeout for a slot.
func (pool *Pool) Acquire(ctx context.Context) (_ *Session, err error) {
	defer mon.Task()(&ctx)(&err)

	timeout := time.NewTimer(pool.opts.WaitTimeout)
	defer timeout.Stop()

	select {
	case <-pool.closed:
		return nil, ErrClosed.New("acquire after close")
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	case <-timeout.C:
		mon.Event("session_pool_timeout")
		return nil, ErrTimeout.New("no session available within %v", pool.opts.WaitTimeout)
	case <-pool.tokens:
	}

	defer func() {
		if err != nil {
			pool.tokens <- struct{}{}
		}
	}()

	for {
		select {
		case session := <-pool.idle:
			if pool.recycle(ctx, session) {
				session.approximateLastUse = pool.now()
				return session, nil
			}
			continue
		default:
		}
		break
	}

	resource, err := pool.factory.Create(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	mon.Event("session_created")
	now := pool.now()
	return &Session{
		Resource:           resource,
		createdAt:          now,
		approximateLastUse: now,
	}, nil
}

// Release returns a session for reuse.
func (pool *Pool) Release(session *Session) {
	if session == nil {
		return
	}
	session.approximateLastUse = pool.now()
	select {
	case <-pool.closed:
		_ = session.Close()
	default:
		pool.idle <- session
	}
	pool.tokens <- struct{}{}
}

// Discard closes a session instead of returning it; used when the caller
// observed a fatal error on it.
func (pool *Pool) Discard(session *Session) {
	if session == nil {
		return
	}
	mon.Event("session_discarded")
	_ = session.Close()
	pool.tokens <- struct{}{}
}

// recycle reports whether an idle session may be reused. Order matters:
// backend liveness first, then lifespan, then idle age.
func (pool *Pool) recycle(ctx context.Context, session *Session) bool {
	now := pool.now()

	if err := session.Ping(ctx); err != nil {
		if ErrNotFound.Has(err) {
			mon.Event("session_recycle_not_found")
		} else {
			mon.Event("session_recycle_ping_failed")
		}
		_ = session.Close()
		return false
	}
	if pool.opts.MaxLifespan > 0 && now.Sub(session.createdAt) > pool.opts.MaxLifespan {
		mon.Event("session_recycle_expired")
		_ = session.Close()
		return false
	}
	if pool.opts.MaxIdle > 0 && now.Sub(session.approximateLastUse) > pool.opts.MaxIdle {
		mon.Event("session_recycle_idle")
		_ = session.Close()
		return false
	}
	return true
}

// Close shuts the pool down and closes all idle sessions. Sessions still
// checked out are closed on release.
func (pool *Pool) Close() error {
	select {
	case <-pool.closed:
		return nil
	default:
		close(pool.closed)
	}

	var group errs.Group
	for {
		select {
		case session := <-pool.idle:
			group.Add(session.Close())
		default:
			return Error.Wrap(group.Err())
		}
	}
}

// SetNowFunc overrides the pool clock. Tests only.
func (pool *Pool) SetNowFunc(now func() time.Time) { pool.now = now }
