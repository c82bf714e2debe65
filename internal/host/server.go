// Package host wires the object service, capability engine, and orbit
// manager into the HTTP request pipeline described in spec.md §4.8.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kepler-host/kepler/internal/capability"
	"github.com/kepler-host/kepler/internal/did"
	"github.com/kepler-host/kepler/internal/index"
	"github.com/kepler-host/kepler/internal/object"
	"github.com/kepler-host/kepler/internal/orbit"
	"github.com/kepler-host/kepler/internal/staging"
)

const serviceName = "kepler.host"

// Args configures one running host process.
type Args struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	StagingLimit   int64
	HostDID        string
	HostPrivateKey []byte // K256 private key bytes, for /peer/generate
}

type server struct {
	log *slog.Logger

	shutdownOnce sync.Once

	objects  *object.Service
	engine   *capability.Engine
	orbits   *orbit.Manager
	store    *index.Store
	staging  staging.Area
	resolver did.Resolver

	stagingLimit int64
	hostDID      string
	hostPrivKey  []byte
}

func (s *server) shutdown(cancel context.CancelFunc) {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutdown initiated")
		cancel()
	})
}

// Deps are the already-constructed subsystems Run wires into the HTTP
// layer. Building them is the caller's responsibility (typically the
// CLI entrypoint), since their lifetimes differ: the index store and
// block store outlive any single server run in tests.
type Deps struct {
	Objects  *object.Service
	Engine   *capability.Engine
	Orbits   *orbit.Manager
	Store    *index.Store
	Staging  staging.Area
	Resolver did.Resolver
}

// Run starts the host's HTTP server and blocks until ctx is canceled or
// a fatal error occurs.
func Run(ctx context.Context, args *Args, deps *Deps) error {
	log := slog.Default().With(slog.String("service", serviceName))

	log.Info("starting kepler host")
	defer log.Info("kepler host shutdown complete")

	s := &server{
		log:          log,
		objects:      deps.Objects,
		engine:       deps.Engine,
		orbits:       deps.Orbits,
		store:        deps.Store,
		staging:      deps.Staging,
		resolver:     deps.Resolver,
		stagingLimit: args.StagingLimit,
		hostDID:      args.HostDID,
		hostPrivKey:  args.HostPrivateKey,
	}

	cancelOnce := &sync.Once{}
	ctx, cancelFn := context.WithCancel(ctx)
	cancel := func() {
		cancelOnce.Do(func() {
			cancelFn()
		})
	}
	defer cancel()

	errs, ctx := errgroup.WithContext(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
		case <-sig:
			s.log.Info("received shutdown signal")
			s.shutdown(cancel)
		}
	}()

	errs.Go(func() error {
		if err := s.serve(ctx, cancel, args); err != nil {
			return fmt.Errorf("failed to run http server: %w", err)
		}
		return nil
	})

	return errs.Wait()
}

func (s *server) serve(ctx context.Context, cancel context.CancelFunc, args *Args) error {
	defer cancel()

	handler := s.observabilityMiddleware(s.router())

	srv := &http.Server{
		Handler:      handler,
		Addr:         args.Addr,
		ErrorLog:     slog.NewLogLogger(s.log.Handler(), slog.LevelError),
		WriteTimeout: args.WriteTimeout,
		ReadTimeout:  args.ReadTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("server listening", "addr", args.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *server) router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /hostInfo", s.handleHostInfo)
	mux.HandleFunc("GET /peer/generate", s.handlePeerGenerate)

	mux.HandleFunc("POST /delegate", s.handleDelegate)
	mux.HandleFunc("POST /revoke", s.handleRevoke)
	mux.HandleFunc("POST /invoke", s.handleInvoke)

	// Legacy direct paths, spec.md §4.8: must route through the same
	// invocation verification as /invoke.
	mux.HandleFunc("GET /{orbit}/{cid}", s.handleLegacyGet)
	mux.HandleFunc("GET /{orbit}/", s.handleLegacyList)
	mux.HandleFunc("POST /{orbit}/{key}", s.handleLegacyPut)

	return mux
}
