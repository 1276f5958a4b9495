package protocol

import (
	"net"
	"sync"
	"time"

	"swarmcast/common/errs"

	"github.com/juju/errors"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

// Server accepts TCP connections and serves each one on its own panic-safe
// goroutine. Stop closes the listener and every open connection.
type Server struct {
	name    string
	address string
	handler func(conn net.Conn)

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool
}

func NewServer(name, address string, handler func(conn net.Conn)) *Server {
	return &Server{
		name:    name,
		address: address,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the address. It is a no-op once bound.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.address)
	if err != nil {
		return errs.Network(errors.Annotatef(err, "%s listen %s", s.name, s.address))
	}
	s.listener = l
	logx.Infof("%s listening on %s", s.name, l.Addr())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port of the bound listener, 0 when not listening.
func (s *Server) Port() uint16 {
	addr, ok := s.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port)
}

func (s *Server) Start() {
	err := s.Listen()
	if err != nil {
		panic(err)
	}
	s.Serve()
}

func (s *Server) Serve() {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logx.Errorf("%s failed to accept: %+v", s.name, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		threading.GoSafe(func() {
			defer s.untrack(conn)
			s.handler(conn)
		})
	}
}

func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
