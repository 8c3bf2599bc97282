package transport

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Server defaults.
const (
	// DefaultWorkerCount bounds concurrent connection handlers.
	DefaultWorkerCount = 16

	// serverIdleTimeout closes a keep-alive connection with no new
	// request within the window.
	serverIdleTimeout = 30 * time.Second
)

// Handler processes one routed request and returns the response to send.
// Returning nil produces a 500.
type Handler func(req *Request, remote net.Addr) *Response

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Address to listen on ("ip:port"; ":0" picks an ephemeral port).
	Address string

	// WorkerCount bounds the handler pool (default: 16).
	WorkerCount int

	// ReadTimeout is the receive-timeout-no-data per request read.
	ReadTimeout time.Duration

	// Logger for protocol logging (optional).
	Logger log.Logger
}

// Server is a multi-worker HTTP/1.1 acceptor with method/path routing.
// It serves the description, control and eventing endpoints of a device
// host and the NOTIFY callback endpoint of a control point.
type Server struct {
	config ServerConfig
	logger log.Logger
	flag   *ShutdownFlag

	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
	slots    chan struct{}

	mu     sync.RWMutex
	exact  map[string]map[string]Handler // path -> method -> handler
	prefix []prefixRoute
}

type prefixRoute struct {
	prefix   string
	handlers map[string]Handler
}

// NewServer creates a server. Start must be called before it accepts.
func NewServer(config ServerConfig) *Server {
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerCount
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	return &Server{
		config: config,
		logger: log.OrNoop(config.Logger),
		exact:  make(map[string]map[string]Handler),
		slots:  make(chan struct{}, config.WorkerCount),
	}
}

// Handle registers a handler for an exact path and method.
func (s *Server) Handle(method, path string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exact[path] == nil {
		s.exact[path] = make(map[string]Handler)
	}
	s.exact[path][method] = handler
}

// HandlePrefix registers a handler for every path below a prefix.
func (s *Server) HandlePrefix(method, prefix string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.prefix {
		if s.prefix[i].prefix == prefix {
			s.prefix[i].handlers[method] = handler
			return
		}
	}
	s.prefix = append(s.prefix, prefixRoute{
		prefix:   prefix,
		handlers: map[string]Handler{method: handler},
	})
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	if s.running.Load() {
		return upnp.ErrAlreadyInitialized
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", upnp.ErrCommunications, s.config.Address, err)
	}
	s.listener = listener
	s.flag = NewShutdownFlag()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the acceptor, interrupts in-flight reads, and waits for all
// workers to drain.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.flag.Trigger()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() uint16 {
	addr, ok := s.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.logError("accept", err)
			}
			continue
		}

		// Bounded pool: block accepting until a worker slot frees up.
		select {
		case s.slots <- struct{}{}:
		case <-s.flag.Done():
			conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.serveConn(conn)
		}()
	}
}

// serveConn runs the keep-alive request loop for one connection.
func (s *Server) serveConn(raw net.Conn) {
	conn := NewConn(raw, s.flag)
	defer conn.Close()

	for {
		conn.SetReadTimeout(serverIdleTimeout)
		req, err := conn.ReadRequest()
		if err != nil {
			return
		}
		conn.SetReadTimeout(s.config.ReadTimeout)

		s.logger.Log(log.Event{
			Timestamp: time.Now(),
			Direction: log.DirectionIn,
			Layer:     log.LayerHTTP,
			Category:  log.CategoryMessage,
			RemoteAddr: conn.RemoteAddr().String(),
			HTTP: &log.HTTPEvent{
				Method:   req.Method,
				Path:     req.Target,
				BodySize: len(req.Body),
			},
		})

		resp := s.dispatch(req, conn.RemoteAddr())
		if resp == nil {
			resp = NewResponse(500, "")
		}

		keepAlive := KeepAlive(req.Proto, req.Header) && resp.Status < 400
		if err := conn.WriteResponse(resp, WriteOptions{KeepAlive: keepAlive}); err != nil {
			return
		}

		s.logger.Log(log.Event{
			Timestamp:  time.Now(),
			Direction:  log.DirectionOut,
			Layer:      log.LayerHTTP,
			Category:   log.CategoryMessage,
			RemoteAddr: conn.RemoteAddr().String(),
			HTTP: &log.HTTPEvent{
				Status:   resp.Status,
				BodySize: len(resp.Body),
			},
		})

		if resp.AfterSend != nil {
			resp.AfterSend(conn)
		}

		if !keepAlive || conn.Failed() {
			return
		}
	}
}

// dispatch routes by path, then method. Unknown paths produce 404; known
// paths with an unsupported method produce 405.
func (s *Server) dispatch(req *Request, remote net.Addr) (resp *Response) {
	defer func() {
		// A panicking handler must not take the worker down; the
		// connection gets a 500 and is closed by the status check.
		if r := recover(); r != nil {
			s.logError("handler", fmt.Errorf("panic: %v", r))
			resp = NewResponse(500, "")
		}
	}()

	path := req.Target
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	s.mu.RLock()
	byMethod, known := s.exact[path]
	if !known {
		for _, route := range s.prefix {
			if strings.HasPrefix(path, route.prefix) {
				byMethod, known = route.handlers, true
				break
			}
		}
	}
	var handler Handler
	if known {
		handler = byMethod[req.Method]
	}
	s.mu.RUnlock()

	switch {
	case !known:
		return NewResponse(404, "")
	case handler == nil:
		return NewResponse(405, "")
	default:
		return handler(req, remote)
	}
}

func (s *Server) logError(context string, err error) {
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerHTTP,
		Category:  log.CategoryError,
		Error:     &log.ErrorEventData{Message: err.Error(), Context: context},
	})
}
