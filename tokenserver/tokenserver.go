// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package tokenserver implements the token-issuance service: it verifies
// an FxA credential, pins the account to a storage node, and mints the
// bearer token plus derived secret the storage service accepts.
package tokenserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/mozilla-services/syncstorage/tokenserver/fxa"
	"github.com/mozilla-services/syncstorage/tokenserver/tokendb"
)

var (
	mon = monkit.Package()

	// Error is the default tokenserver errs class.
	Error = errs.Class("tokenserver")
)

// ServiceName is the service users are assigned under.
const ServiceName = "sync-1.5"

// Config carries the token issuer settings.
type Config struct {
	Address              string        `help:"address to listen on" default:":5000"`
	MasterSecret         string        `help:"secret shared with the storage nodes, used to sign tokens" default:""`
	TokenDuration        time.Duration `help:"how long an issued token stays valid" default:"1h"`
	FxAMetricsHashSecret string        `help:"secret for hashing uids and device ids in metrics" default:""`
	TokenserverOrigin    string        `help:"origin tag stamped into issued tokens" default:""`
}

// Verifier resolves one kind of credential to an account identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*fxa.Identity, error)
}

// Server is the token-issuance HTTP service.
type Server struct {
	log       *zap.Logger
	config    Config
	db        *tokendb.DB
	oauth     Verifier
	browserid Verifier

	mu        sync.Mutex
	serviceID int64
}

// New creates a token-issuance server.
func New(log *zap.Logger, db *tokendb.DB, oauth, browserid Verifier, config Config) *Server {
	return &Server{
		log:       log,
		config:    config,
		db:        db,
		oauth:     oauth,
		browserid: browserid,
	}
}

// Run serves the HTTP surface until ctx is cancelled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	server.log.Info("tokenserver listening", zap.String("address", listener.Addr().String()))

	httpServer := http.Server{Handler: server.Router()}

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(httpServer.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := httpServer.Serve(listener)
		if err == http.ErrServerClosed {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// service resolves and caches the service id for ServiceName.
func (server *Server) service(ctx context.Context) (int64, error) {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.serviceID != 0 {
		return server.serviceID, nil
	}
	id, err := server.db.GetServiceID(ctx, ServiceName)
	if err != nil {
		return 0, err
	}
	server.serviceID = id
	return id, nil
}
