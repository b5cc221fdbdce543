package server

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/parley-im/parley/config"
	ilog "github.com/parley-im/parley/log"
	"github.com/parley-im/parley/proto"
)

// Server wires the routing core together: frame codec, session registry,
// group directory, offline store, dispatch queue, and the per-connection
// handlers, plus the optional management API and presence announcer.
type Server struct {
	cfg        *config.ServerConfigure
	codec      *proto.Codec
	registry   *Registry
	directory  *Directory
	offline    *OfflineStore
	dispatcher *Dispatcher
	telemetry  *Telemetry
	announcer  *Announcer

	listener net.Listener
	manage   *http.Server
	log      *ilog.Logger

	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

func New(cfg *config.ServerConfigure) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	offline, err := OpenOfflineStore(cfg.Storage.Dir, cfg.Storage.SpoolThreshold)
	if err != nil {
		return nil, err
	}

	logger := ilog.NewLogger()
	logger.Fields["entity"] = "server"

	s := &Server{
		cfg:       cfg,
		codec:     &proto.Codec{MaxHeaderBytes: cfg.Limits.MaxHeaderBytes},
		registry:  NewRegistry(),
		directory: NewDirectory(),
		offline:   offline,
		log:       logger,
		closing:   make(chan struct{}),
	}
	s.telemetry = NewTelemetry(func() float64 {
		if s.dispatcher == nil {
			return 0
		}
		return float64(s.dispatcher.QueueDepth())
	})
	s.dispatcher = NewDispatcher(s.registry, s.directory, s.offline, cfg.Dispatch.QueueSize, s.telemetry)

	if cfg.Redis.Endpoint != "" {
		s.announcer = NewAnnouncer(cfg.Redis.Endpoint, cfg.Redis.Prefix)
	}
	return s, nil
}

// Start binds the listener and launches the dispatch worker, the accept
// loop, and (when configured) the management API. It does not block.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		s.offline.Close()
		return err
	}
	s.listener = listener
	s.dispatcher.Start()

	if s.cfg.Manage.Endpoint != "" {
		s.manage = &http.Server{
			Addr: s.cfg.Manage.Endpoint,
			Handler: ilog.TagLogHandler(s.manageRouter(), map[string]interface{}{
				"entity": "manage-api",
			}),
		}
		go func() {
			if err := s.manage.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Errorf("management API failure: %v", err)
			}
		}()
		s.log.Infof0("management API at %v", s.cfg.Manage.Endpoint)
	}

	s.log.Infof0("listening at %v", listener.Addr())
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.closing:
				return
			default:
			}
			s.log.Warnf("accept failure: %v", err)
			continue
		}
		s.log.Infof2("connection from %v", conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newConnHandler(s, conn).serve()
		}()
	}
}

// Addr reports the bound listen address, useful when Bind was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown closes the listener and all live sessions, lets the dispatch
// worker finish the queued backlog, then releases storage.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.manage != nil {
			s.manage.Close()
		}
		s.registry.Visit(func(session *Session) {
			session.Close()
		})
		s.wg.Wait()
		s.dispatcher.Stop()
		if err := s.offline.Close(); err != nil {
			s.log.Errorf("offline store close failure: %v", err)
		}
		s.announcer.Close()
		s.log.Info0("server stopped")
	})
}
