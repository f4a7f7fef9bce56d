package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fieldline/mutationplane/internal/authtoken"
	"github.com/fieldline/mutationplane/internal/logging"
	"github.com/fieldline/mutationplane/internal/metrics"
	"github.com/fieldline/mutationplane/internal/parent"
	"github.com/fieldline/mutationplane/internal/protocol"
	"github.com/fieldline/mutationplane/internal/protocol/frame"
	"github.com/fieldline/mutationplane/internal/protocol/wire"
)

// TLSListenerConfig configures the child-facing TLS listener.
type TLSListenerConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// ServiceConfig configures one relay instance.
type ServiceConfig struct {
	// ListenAddr is the child-facing endpoint.
	ListenAddr string
	TLS        TLSListenerConfig

	// ParentURL is the rootwards endpoint; empty falls back to
	// MUTATION_PROTOCOL_PARENT_URL and the loopback default.
	ParentURL        string
	AllowInsecureTLS bool
	// ParentToken authenticates this relay with its parent.
	ParentToken authtoken.Token

	// AdminAddr serves /health and /metrics when non-empty.
	AdminAddr string

	Broker BrokerConfig
	Limits frame.Limits
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: ":14192",
		Broker:     DefaultBrokerConfig(),
		Limits:     frame.DefaultLimits(),
	}
}

// Service splices authenticated child sessions onto one parent
// uplink, routing mutator-addressed commands to the owning child.
type Service struct {
	cfg       ServiceConfig
	log       zerolog.Logger
	broker    *Broker
	authority Authority

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	disconnects chan ChildConnectionID
	boundAddr   atomic.Value
}

func NewService(cfg ServiceConfig, authority Authority) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if cfg.Limits.MaxMessageBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.Broker == (BrokerConfig{}) {
		cfg.Broker = DefaultBrokerConfig()
	}
	log := logging.Component("relay")
	return &Service{
		cfg:         cfg,
		log:         log,
		broker:      NewBroker(authority, cfg.Broker, log),
		authority:   authority,
		conns:       make(map[net.Conn]struct{}),
		disconnects: make(chan ChildConnectionID, 64),
	}
}

// Broker exposes the routing registry, mainly for tests.
func (s *Service) Broker() *Broker { return s.broker }

// BoundAddr reports the child listener address once Run has bound it,
// nil before that.
func (s *Service) BoundAddr() net.Addr {
	if v := s.boundAddr.Load(); v != nil {
		return v.(net.Addr)
	}
	return nil
}

// Run connects rootwards, then serves children until ctx ends or the
// uplink fails.
func (s *Service) Run(ctx context.Context) error {
	uplink, err := parent.ConnectURL(ctx, s.cfg.ParentURL, parent.Options{
		AllowInsecureTLS: s.cfg.AllowInsecureTLS,
		Limits:           s.cfg.Limits,
	})
	if err != nil {
		return fmt.Errorf("relay: parent connect: %w", err)
	}
	defer uplink.Close()

	relayID := protocol.AllocateParticipantID()
	if err := parent.Authenticate(uplink, relayID, s.cfg.ParentToken, s.log); err != nil {
		return fmt.Errorf("relay: parent auth: %w", err)
	}
	s.log.Info().Str("participant", relayID.String()).
		Str("parent", uplink.RemoteAddr().String()).
		Msg("uplink authenticated")

	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.boundAddr.Store(ln.Addr())
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening for children")

	shutdown := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(shutdown)
			uplink.Close()
			ln.Close()
			s.closeAllConns()
		})
	}
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	go s.broker.Run(shutdown)

	routeErr := make(chan error, 1)
	go func() {
		routeErr <- s.route(uplink, shutdown)
	}()

	adminErr := make(chan error, 1)
	if s.cfg.AdminAddr != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx)
		}()
	}

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.serve(ctx, ln, shutdown)
	}()

	select {
	case err := <-routeErr:
		stop()
		return err
	case err := <-acceptErr:
		stop()
		if err != nil {
			return err
		}
		return nil
	case err := <-adminErr:
		stop()
		return err
	}
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("relay: load listener keypair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, cfg)
}

// serve accepts child connections until the listener closes.
func (s *Service) serve(ctx context.Context, ln net.Listener, shutdown <-chan struct{}) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleChild(conn, shutdown)
	}
}

func (s *Service) handleChild(conn net.Conn, shutdown <-chan struct{}) {
	defer s.untrackConn(conn)
	id, err := ServeChild(conn, s.broker.Requests(), shutdown, s.cfg.Limits, s.log)
	if err != nil {
		s.log.Warn().Err(err).Msg("child session ended")
	}
	if id.IsZero() {
		return
	}
	s.broker.Release(id)
	select {
	case s.disconnects <- id:
	case <-shutdown:
	}
}

type leafResult struct {
	msg wire.LeafwardsMessage
	err error
}

// route is the single owner of the uplink and the mutator ownership
// table. It forwards child traffic rootwards and routes parent
// commands to the owning child, broadcasting unaddressed ones.
func (s *Service) route(uplink *parent.Conn, shutdown <-chan struct{}) error {
	owners := make(map[protocol.MutatorID]ChildConnectionID)

	reads := make(chan leafResult)
	go func() {
		for {
			msg, err := uplink.ReadMsg()
			select {
			case reads <- leafResult{msg: msg, err: err}:
			case <-shutdown:
				return
			}
			if err != nil && !wire.IsDecodeError(err) {
				return
			}
		}
	}()

	for {
		select {
		case rw := <-s.broker.RootwardsOut():
			switch m := rw.Msg.(type) {
			case wire.MutatorAnnouncement:
				owners[m.MutatorID] = rw.ConnectionID
			case wire.MutatorRetirement:
				if owner, ok := owners[m.MutatorID]; ok && owner == rw.ConnectionID {
					delete(owners, m.MutatorID)
				}
			}
			if err := uplink.WriteMsg(rw.Msg); err != nil {
				select {
				case <-shutdown:
					return nil
				default:
				}
				return fmt.Errorf("relay: uplink write: %w", err)
			}
		case id := <-s.disconnects:
			for mutator, owner := range owners {
				if owner == id {
					delete(owners, mutator)
				}
			}
		case lr := <-reads:
			if lr.err != nil {
				if wire.IsDecodeError(lr.err) {
					metrics.DecodeFailures.Inc()
					s.log.Warn().Err(lr.err).Msg("dropping undecodable uplink frame")
					continue
				}
				select {
				case <-shutdown:
					return nil
				default:
				}
				return fmt.Errorf("relay: uplink read: %w", lr.err)
			}
			s.routeLeafwards(owners, lr.msg)
		case <-shutdown:
			return nil
		}
	}
}

func (s *Service) routeLeafwards(owners map[protocol.MutatorID]ChildConnectionID, msg wire.LeafwardsMessage) {
	var target protocol.MutatorID
	switch m := msg.(type) {
	case wire.NewMutation:
		target = m.MutatorID
	case wire.ClearSingleMutation:
		target = m.MutatorID
	case wire.ClearMutationsForMutator:
		target = m.MutatorID
	case wire.UpdateTriggerState:
		target = m.MutatorID
	case wire.RequestForMutatorAnnouncements, wire.ClearMutations:
		s.broker.Broadcast(msg)
		return
	default:
		s.log.Warn().Str("message", msg.Name()).Msg("unexpected leafwards message on uplink")
		return
	}

	owner, ok := owners[target]
	if !ok {
		s.log.Debug().Str("message", msg.Name()).
			Str("mutator", target.String()).
			Msg("no owning child for mutator, dropping")
		return
	}
	if !s.broker.Send(owner, msg) {
		s.log.Warn().Str("message", msg.Name()).
			Str("mutator", target.String()).
			Msg("owning child unreachable")
	}
}

func (s *Service) serveAdmin(ctx context.Context) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              s.cfg.AdminAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
