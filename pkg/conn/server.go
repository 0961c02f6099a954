// Package conn implements the connection service shared by tracker and
// storage roles: a command-dispatching TCP server
// multiplexed with an HTTP admin surface on the same listener, and a
// client-side connection pool. Grounded on pump/server.go's cmux-backed
// Start/Serve loop in the teacher, generalized from gRPC's single
// registered service to this protocol's per-command handler table.
package conn

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/ngaut/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/soheilhy/cmux"

	"github.com/happyfish100/fastdfs-sub015/pkg/metrics"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

// Handler processes one request frame and returns the response status
// and body to write back. Returning an error with no *proto.Error cause
// is treated as KindFatal and closes the connection after replying.
type Handler func(ctx context.Context, peer net.Addr, req proto.Frame) (status byte, body []byte, err error)

// Server multiplexes a single TCP listener into the binary command
// protocol (the default match) and an HTTP admin surface (/metrics and
// /debug/pprof/), the same way pump/server.go splits gRPC and HTTP traffic
// over one cmux listener.
type Server struct {
	Addr           string
	NetworkTimeout time.Duration
	Mux            *mux.Router

	handlers map[byte]Handler

	mu       sync.Mutex
	listener net.Listener
	cm       cmux.CMux
}

// NewServer returns a Server with an empty handler table and a fresh
// admin mux pre-wired with /metrics and the pprof profiles under
// /debug/pprof/. A plain http.ServeMux can't express the pprof
// wildcard routes (Cmdline/Profile/Symbol/Trace all need the
// /debug/pprof/ prefix matched and passed through), so this reaches
// for gorilla/mux's PathPrefix instead.
func NewServer(addr string, networkTimeout time.Duration) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", prometheus.Handler())
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	return &Server{
		Addr:           addr,
		NetworkTimeout: networkTimeout,
		Mux:            r,
		handlers:       make(map[byte]Handler),
	}
}

// Handle registers fn as the handler for command cmd.
func (s *Server) Handle(cmd byte, fn Handler) {
	s.handlers[cmd] = fn
}

// Serve binds Addr and blocks, dispatching binary-protocol connections
// to the registered handlers and HTTP requests to Mux, until the
// listener is closed.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Annotatef(err, "conn: listen on %s", s.Addr)
	}

	s.mu.Lock()
	s.listener = lis
	s.cm = cmux.New(lis)
	cm := s.cm
	s.mu.Unlock()

	httpL := cm.Match(cmux.HTTP1Fast())
	protoL := cm.Match(cmux.Any())

	go func() {
		if err := http.Serve(httpL, s.Mux); err != nil {
			log.Infof("conn: admin http listener stopped: %v", err)
		}
	}()
	go s.serveProto(protoL)

	return cm.Serve()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.Trace(s.listener.Close())
	}
	return nil
}

func (s *Server) serveProto(lis net.Listener) {
	for {
		c, err := lis.Accept()
		if err != nil {
			log.Infof("conn: protocol listener stopped: %v", err)
			return
		}
		metrics.ActiveConnections.WithLabelValues("client").Inc()
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c net.Conn) {
	defer func() {
		c.Close()
		metrics.ActiveConnections.WithLabelValues("client").Dec()
	}()

	fr := proto.NewFrameReader(c, proto.MaxBodyLen)
	for {
		if s.NetworkTimeout > 0 {
			c.SetReadDeadline(time.Now().Add(s.NetworkTimeout))
		}

		req, err := fr.ReadFrame()
		if err != nil {
			if !isClosedOrTimeout(err) {
				log.Warnf("conn: read frame from %s: %v", c.RemoteAddr(), err)
			}
			return
		}

		if req.Header.Cmd == proto.CmdQuit {
			return
		}

		start := time.Now()
		status, body, herr := s.dispatch(c, req)
		metrics.RequestDuration.WithLabelValues(cmdLabel(req.Header.Cmd)).Observe(time.Since(start).Seconds())

		outcome := "ok"
		if herr != nil {
			outcome = "error"
			log.Warnf("conn: cmd %d from %s: %v", req.Header.Cmd, c.RemoteAddr(), herr)
		}
		metrics.RequestCounter.WithLabelValues(cmdLabel(req.Header.Cmd), outcome).Inc()

		if s.NetworkTimeout > 0 {
			c.SetWriteDeadline(time.Now().Add(s.NetworkTimeout))
		}
		if _, err := proto.WriteFrame(c, proto.RespCmd, status, body); err != nil {
			log.Warnf("conn: write response to %s: %v", c.RemoteAddr(), err)
			return
		}

		if herr != nil && proto.CauseKind(herr) == proto.KindFatal {
			return
		}
	}
}

func (s *Server) dispatch(c net.Conn, req proto.Frame) (byte, []byte, error) {
	h, ok := s.handlers[req.Header.Cmd]
	if !ok {
		return proto.StatusInval, nil, errors.Errorf("conn: no handler registered for cmd %d", req.Header.Cmd)
	}

	status, body, err := h(context.Background(), c.RemoteAddr(), req)
	if err != nil {
		if status == proto.StatusOK {
			status = proto.StatusForKind(proto.CauseKind(err))
		}
		return status, body, errors.Trace(err)
	}
	return status, body, nil
}

func cmdLabel(cmd byte) string {
	return proto.CommandName(cmd)
}

func isClosedOrTimeout(err error) bool {
	cause := errors.Cause(err)
	if cause == io.EOF || cause == io.ErrUnexpectedEOF {
		return true
	}
	if ne, ok := cause.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
