package rtmp

import (
	"bufio"
	"net"
	"sync"

	"github.com/lightcast/rtmp/config"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server terminates publisher connections: it owns the listening socket and
// spawns one goroutine per accepted connection. Sessions share nothing; the
// handler defines its own concurrency contract.
type Server struct {
	Logger  *zap.Logger
	Handler Handler
	Config  *config.Config

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// Listen binds the configured address and accepts connections until Close is
// called. It returns an error only when the address cannot be bound; accept
// errors are logged and the loop keeps accepting.
func (s *Server) Listen() error {
	if s.Config == nil {
		s.Config = config.Default()
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}

	tcpAddress, err := net.ResolveTCPAddr("tcp", s.Config.BindAddr)
	if err != nil {
		return errors.Wrapf(err, "resolving listen address %s", s.Config.BindAddr)
	}
	listener, err := net.ListenTCP("tcp", tcpAddress)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.Config.BindAddr)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.Logger.Info("listening for publishers", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.Logger.Error("error accepting incoming connection", zap.Error(err))
			continue
		}
		go s.serveConn(conn)
	}
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the accept loop. Connections already being served run until
// their peers disconnect.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, config.BufioSize)
	writer := bufio.NewWriterSize(conn, config.BufioSize)
	session, err := NewSession(s.Logger, conn, reader, writer, s.Handler, s.Config)
	if err != nil {
		s.Logger.Error("failed to create session", zap.Error(err))
		return
	}

	s.Logger.Info("accepted incoming connection",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("sessionID", session.ID()))

	if err := session.Run(); err != nil {
		s.Logger.Info("session ended with an error",
			zap.String("sessionID", session.ID()), zap.Error(err))
		return
	}
	s.Logger.Info("session ended", zap.String("sessionID", session.ID()))
}
