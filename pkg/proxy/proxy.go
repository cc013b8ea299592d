// Copyright Pigeonworks LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy forwards local HTTP requests to the backend at whatever
// address the resolver currently reports, and turns per-request outcomes into
// the session's one-shot established and lost notifications.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pigeonworks-llc/go-distrogate/pkg/metrics"
	"github.com/pigeonworks-llc/go-distrogate/pkg/notify"
	"github.com/pigeonworks-llc/go-distrogate/pkg/ports"
	"github.com/pigeonworks-llc/go-distrogate/pkg/session"
)

const (
	// DefaultListenAddr is the local address clients connect to.
	DefaultListenAddr = "127.0.0.1:8081"
	// DefaultBackendPort is the port the backend serves on inside the environment.
	DefaultBackendPort = 8081
	// DefaultForwardTimeout bounds connecting and waiting for response headers.
	DefaultForwardTimeout = 10 * time.Second
	// DefaultMaxBodyBytes bounds request bodies.
	DefaultMaxBodyBytes = 64 << 20
	// DefaultBufferSize is the streaming window; each window is flushed.
	DefaultBufferSize = 64 << 10

	// statusClientClosed is recorded when the client goes away before a
	// response could be written.
	statusClientClosed = 499
)

// AddressResolver returns the backend address.
type AddressResolver interface {
	Resolve(ctx context.Context, forceRefresh bool) (string, error)
}

// SessionSource returns the current backend session, or nil.
type SessionSource interface {
	Session() *session.Session
}

// Config holds proxy configuration.
type Config struct {
	ListenAddr     string
	BackendPort    int
	ForwardTimeout time.Duration
	MaxBodyBytes   int64
	BufferSize     int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     DefaultListenAddr,
		BackendPort:    DefaultBackendPort,
		ForwardTimeout: DefaultForwardTimeout,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		BufferSize:     DefaultBufferSize,
	}
}

// Server is the reverse proxy. It is an http.Handler and can also own its
// listener via Start and Shutdown.
type Server struct {
	config    *Config
	resolver  AddressResolver
	sessions  SessionSource
	presenter notify.Presenter
	metrics   metrics.Recorder
	logger    *slog.Logger
	client    *http.Client

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	serveErr chan error
}

// Option configures a Server.
type Option func(*Server)

// WithPresenter sets where connectivity events go.
func WithPresenter(p notify.Presenter) Option {
	return func(s *Server) {
		if p != nil {
			s.presenter = p
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *Server) { s.metrics = metrics.OrNoop(m) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a proxy. A nil config uses DefaultConfig; zero fields take
// their defaults.
func New(resolver AddressResolver, sessions SessionSource, config *Config, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.BackendPort == 0 {
		c.BackendPort = def.BackendPort
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = def.ForwardTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}

	s := &Server{
		config:    &c,
		resolver:  resolver,
		sessions:  sessions,
		presenter: notify.Discard,
		metrics:   metrics.Noop{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Response body reads carry no deadline; only connect and headers do.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   c.ForwardTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: c.ForwardTimeout,
		DisableCompression:    true,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	s.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return s
}

// ServeHTTP forwards one request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := s.forward(w, r)
	s.metrics.ProxyRequest(r.Method, status, time.Since(start))
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request) int {
	addr, err := s.resolver.Resolve(r.Context(), false)
	if err != nil || addr == "" {
		s.logger.Debug("backend address unavailable", "method", r.Method, "path", r.URL.Path, "error", err)
		s.recordFailure()
		http.Error(w, "backend address unavailable", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.logger.Debug("failed to read request body", "method", r.Method, "path", r.URL.Path, "error", err)
		s.recordFailure()
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return http.StatusBadRequest
	}

	target := s.target(addr, r.URL)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to create upstream request", "target", target, "error", err)
		s.recordFailure()
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	copyHeader(req.Header, r.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Debug("client went away before upstream responded", "path", r.URL.Path)
			return statusClientClosed
		}
		status := classify(err)
		s.logger.Warn("upstream request failed", "target", target, "status", status, "error", err)
		s.recordFailure()
		http.Error(w, http.StatusText(status), status)
		return status
	}

	coding := resp.Header.Get("Content-Encoding")
	content, stripped, err := decodeBody(r.Method, resp)
	if err != nil {
		resp.Body.Close()
		s.logger.Warn("failed to decode upstream body", "target", target, "coding", coding, "error", err)
		s.recordFailure()
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	defer content.Close()

	header := w.Header()
	for key, values := range resp.Header {
		if isHopByHopHeader(key) {
			continue
		}
		if stripped && strings.EqualFold(key, "Content-Encoding") {
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}
	if stripped && coding != "" && !strings.EqualFold(coding, "identity") {
		header.Del("Content-Length")
	}
	w.WriteHeader(resp.StatusCode)

	s.recordSuccess()
	s.stream(w, content, target)
	return resp.StatusCode
}

// readBody reads the whole request body, bounded by its declared length or
// MaxBodyBytes when the length is unknown.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	limit := s.config.MaxBodyBytes
	if r.ContentLength > limit {
		return nil, fmt.Errorf("declared body length %d exceeds %d", r.ContentLength, limit)
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func (s *Server) target(addr string, in *url.URL) string {
	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(addr, strconv.Itoa(s.config.BackendPort)),
		Path:     in.Path,
		RawPath:  in.RawPath,
		RawQuery: in.RawQuery,
	}
	return u.String()
}

// stream copies the body window by window, flushing after each. Client write
// failures end the copy silently; they say nothing about the backend.
func (s *Server) stream(w http.ResponseWriter, body io.Reader, target string) {
	rc := http.NewResponseController(w)
	buffer := make([]byte, s.config.BufferSize)
	var total int64

	for {
		n, err := body.Read(buffer)
		if n > 0 {
			written, writeErr := w.Write(buffer[:n])
			total += int64(written)
			if writeErr != nil {
				s.logger.Debug("client disconnected during response", "target", target, "bytes_sent", total)
				return
			}
			if flushErr := rc.Flush(); flushErr != nil && !errors.Is(flushErr, http.ErrNotSupported) {
				s.logger.Debug("client disconnected during response", "target", target, "bytes_sent", total)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("upstream error during response", "target", target, "error", err, "bytes_sent", total)
			}
			return
		}
	}
}

func (s *Server) recordSuccess() {
	if !s.sessions.Session().RecordSuccess() {
		return
	}
	s.logger.Info("backend connection established")
	s.metrics.ConnectivityTransition(string(session.Established))
	s.presenter.Notify(notify.New(notify.KindEstablished, notify.SeveritySuccess,
		"Connection to the backend established."))
}

func (s *Server) recordFailure() {
	if !s.sessions.Session().RecordFailure() {
		return
	}
	s.logger.Warn("backend connection lost")
	s.metrics.ConnectivityTransition(string(session.Lost))
	s.presenter.Notify(notify.New(notify.KindLost, notify.SeverityWarning,
		"Connection to the backend lost."))
}

// classify maps a forwarding error to a response status: timeouts are 504,
// failures to connect are 503, anything else is 500.
func classify(err error) int {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return http.StatusServiceUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return http.StatusServiceUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("proxy already started on %s", s.listener.Addr())
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		if port, perr := ports.SplitPort(s.config.ListenAddr); perr == nil && port != 0 {
			host, _, _ := net.SplitHostPort(s.config.ListenAddr)
			checker := ports.NewChecker(&ports.CheckerConfig{Host: host, DialTimeout: ports.DefaultDialTimeout})
			if cerr := checker.CheckAvailable(port); cerr != nil {
				return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, cerr)
			}
		}
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	s.listener = listener
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	s.serveErr = make(chan error, 1)

	srv := s.srv
	errCh := s.serveErr
	go func() {
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	s.logger.Info("proxy listening", "addr", listener.Addr().String(), "backend_port", s.config.BackendPort)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and releases the port. In-flight
// requests get until ctx expires, then their connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	errCh := s.serveErr
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("abandoning in-flight proxy connections", "error", err)
		_ = srv.Close()
	}
	if serveErr := <-errCh; serveErr != nil {
		s.logger.Warn("proxy serve loop ended with error", "error", serveErr)
	}
	s.client.CloseIdleConnections()

	s.logger.Info("proxy stopped")
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
