package http

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spacegrid/spacekeeper"
	"golang.org/x/exp/slog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// Default settings
const (
	DefaultAddr = ":20202"
)

// StatusProvider returns the current status of a node.
type StatusProvider interface {
	Status() spacekeeper.NodeStatus
}

// Snapshotter produces the batches of a full state transfer.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]*spacekeeper.ReplicaBatch, error)
}

// Server represents an HTTP API server exposing node status & metrics.
// It accepts both HTTP/1.1 and cleartext HTTP/2 connections.
type Server struct {
	ln net.Listener

	httpServer  *http.Server
	promHandler http.Handler

	addr string
	node StatusProvider

	// Source of space copy streams. Copy requests are rejected if nil.
	Snapshotter Snapshotter

	g      errgroup.Group
	ctx    context.Context
	cancel func()
}

// NewServer returns a new instance of Server.
func NewServer(node StatusProvider, addr string) *Server {
	s := &Server{
		addr: addr,
		node: node,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.promHandler = promhttp.Handler()
	s.httpServer = &http.Server{
		Handler: h2c.NewHandler(http.HandlerFunc(s.serveHTTP), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

func (s *Server) Listen() (err error) {
	if s.ln, err = net.Listen("tcp", s.addr); err != nil {
		return err
	}
	return nil
}

func (s *Server) Serve() {
	s.g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); s.ctx.Err() != nil {
			return err
		}
		return nil
	})
}

func (s *Server) Close() (err error) {
	if s.ln != nil {
		if e := s.ln.Close(); err == nil {
			err = e
		}
	}
	if s.httpServer != nil {
		if e := s.httpServer.Close(); err == nil {
			err = e
		}
	}
	s.cancel()
	if e := s.g.Wait(); e != nil && err == nil {
		err = e
	}
	return err
}

// Port returns the port the listener is running on.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the full base URL for the running server.
func (s *Server) URL() string {
	host, _, _ := net.SplitHostPort(s.addr)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(s.Port())))
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/debug") {
		switch r.URL.Path {
		case "/debug/vars":
			expvar.Handler().ServeHTTP(w, r)
		case "/debug/pprof/cmdline":
			pprof.Cmdline(w, r)
		case "/debug/pprof/profile":
			pprof.Profile(w, r)
		case "/debug/pprof/symbol":
			pprof.Symbol(w, r)
		case "/debug/pprof/trace":
			pprof.Trace(w, r)
		default:
			pprof.Index(w, r)
		}
		return
	}

	switch r.URL.Path {
	case "/metrics":
		s.promHandler.ServeHTTP(w, r)

	case StatusPath:
		switch r.Method {
		case http.MethodGet:
			s.handleGetStatus(w, r)
		default:
			Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		}
	case CopyPath:
		switch r.Method {
		case http.MethodGet:
			s.handleGetCopy(w, r)
		default:
			Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status := s.node.Status()
	serverStatusRequestCountMetricVec.WithLabelValues(status.Mode.String()).Inc()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		Error(w, r, err, http.StatusInternalServerError)
		return
	}
}

// handleGetCopy streams a snapshot of the store to a recovering backup.
func (s *Server) handleGetCopy(w http.ResponseWriter, r *http.Request) {
	if s.Snapshotter == nil {
		Error(w, r, fmt.Errorf("space copy not available"), http.StatusNotFound)
		return
	} else if mode := s.node.Status().Mode; mode != spacekeeper.ModePrimary {
		Error(w, r, fmt.Errorf("cannot copy from %s node", mode), http.StatusServiceUnavailable)
		return
	}

	batches, err := s.Snapshotter.Snapshot(r.Context())
	if err != nil {
		Error(w, r, fmt.Errorf("snapshot: %w", err), http.StatusInternalServerError)
		return
	}

	slog.Info("space copy connected", slog.String("remote", r.RemoteAddr), slog.Int("batches", len(batches)))
	defer slog.Info("space copy disconnected", slog.String("remote", r.RemoteAddr))

	serverCopyCountMetric.Inc()
	defer serverCopyCountMetric.Dec()

	// Headers cannot be changed once the stream starts so errors only abort it.
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	for _, batch := range batches {
		if err := spacekeeper.WriteCopyFrame(w, &spacekeeper.BatchCopyFrame{Batch: *batch}); err != nil {
			slog.Warn("space copy aborted", slog.Int("seq", batch.SequenceID), slog.Any("err", err))
			return
		}
		w.(http.Flusher).Flush()
		serverCopyFrameSendCountMetricVec.WithLabelValues("batch").Inc()
	}

	if err := spacekeeper.WriteCopyFrame(w, &spacekeeper.EndCopyFrame{}); err != nil {
		slog.Warn("space copy aborted", slog.Any("err", err))
		return
	}
	w.(http.Flusher).Flush()
	serverCopyFrameSendCountMetricVec.WithLabelValues("end").Inc()
}

// HTTP server metrics.
var (
	serverStatusRequestCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacekeeper_http_status_request_count",
		Help: "Number of status requests served by reported mode.",
	}, []string{"mode"})

	serverCopyCountMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spacekeeper_http_copy_count",
		Help: "Number of space copy streams currently connected.",
	})

	serverCopyFrameSendCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacekeeper_http_copy_frame_send_count",
		Help: "Number of space copy frames sent by type.",
	}, []string{"type"})
)
