// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package web serves the Sync 1.5 storage surface under /1.5/{uid}. It
// authenticates requests with the token minted by the tokenserver, acquires
// a driver session per request, and maps driver errors onto the status
// codes legacy clients expect.
package web

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/mozilla-services/syncstorage/syncstorage"
)

var (
	mon = monkit.Package()

	// Error is the default web errs class.
	Error = errs.Class("web")
)

// Config carries the storage server settings.
type Config struct {
	Address        string `help:"address to listen on" default:":8000"`
	MasterSecret   string `help:"secret shared with the tokenserver, used to verify tokens" default:""`
	BackoffSeconds int    `help:"X-Weave-Backoff value advertised once shutdown has begun" default:"60"`
}

// Server is the Sync 1.5 storage HTTP service.
type Server struct {
	log    *zap.Logger
	config Config
	db     syncstorage.DB
	limits syncstorage.Limits

	draining int32
}

// New creates a storage server.
func New(log *zap.Logger, db syncstorage.DB, limits syncstorage.Limits, config Config) *Server {
	return &Server{
		log:    log,
		config: config,
		db:     db,
		limits: limits,
	}
}

// Router builds the HTTP surface.
func (server *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/__heartbeat__", server.handleHeartbeat).Methods(http.MethodGet)
	router.HandleFunc("/__lbheartbeat__", server.handleLBHeartbeat).Methods(http.MethodGet)
	router.HandleFunc("/__version__", server.handleVersion).Methods(http.MethodGet)

	user := router.PathPrefix("/1.5/{uid:[0-9]+}").Subrouter()
	user.Use(server.authenticate, server.backoff)

	user.HandleFunc("", server.handleDeleteStorage).Methods(http.MethodDelete)
	user.HandleFunc("/info/collections", server.handleInfoCollections).Methods(http.MethodGet)
	user.HandleFunc("/info/quota", server.handleInfoQuota).Methods(http.MethodGet)
	user.HandleFunc("/info/collection_usage", server.handleInfoCollectionUsage).Methods(http.MethodGet)
	user.HandleFunc("/info/collection_counts", server.handleInfoCollectionCounts).Methods(http.MethodGet)
	user.HandleFunc("/info/configuration", server.handleInfoConfiguration).Methods(http.MethodGet)

	user.HandleFunc("/storage", server.handleDeleteStorage).Methods(http.MethodDelete)
	user.HandleFunc("/storage/{collection}", server.handleGetCollection).Methods(http.MethodGet)
	user.HandleFunc("/storage/{collection}", server.handlePostCollection).Methods(http.MethodPost)
	user.HandleFunc("/storage/{collection}", server.handleDeleteCollection).Methods(http.MethodDelete)
	user.HandleFunc("/storage/{collection}/{bso}", server.handleGetBSO).Methods(http.MethodGet)
	user.HandleFunc("/storage/{collection}/{bso}", server.handlePutBSO).Methods(http.MethodPut)
	user.HandleFunc("/storage/{collection}/{bso}", server.handleDeleteBSO).Methods(http.MethodDelete)

	return router
}

// Run serves the HTTP surface until ctx is cancelled. Once shutdown begins,
// in-flight and late requests are answered with X-Weave-Backoff so clients
// slow down while the node drains.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	server.log.Info("storage server listening", zap.String("address", listener.Addr().String()))

	httpServer := http.Server{Handler: server.Router()}

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		atomic.StoreInt32(&server.draining, 1)
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

// Draining reports whether shutdown has begun.
func (server *Server) Draining() bool {
	return atomic.LoadInt32(&server.draining) != 0
}

// StartDraining flips the server into drain mode without shutting it down.
// Used by tests and by operators taking a node out of rotation.
func (server *Server) StartDraining() {
	atomic.StoreInt32(&server.draining, 1)
}

// handleHeartbeat reports healthy only when a driver session is actually
// acquirable, so a wedged pool takes the node out of rotation.
func (server *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	driver, err := server.db.Driver(r.Context())
	if err != nil {
		server.log.Error("heartbeat failed", zap.Error(err))
		http.Error(w, "session pool exhausted", http.StatusServiceUnavailable)
		return
	}
	defer driver.Release()

	if err := driver.Check(r.Context()); err != nil {
		server.log.Error("heartbeat failed", zap.Error(err))
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (server *Server) handleLBHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (server *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"source":  "https://github.com/mozilla-services/syncstorage",
		"version": version,
	})
}

// version is stamped at build time via -ldflags.
var version = "dev"
