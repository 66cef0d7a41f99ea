package mllp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/ack"
	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/hl7"
	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/frame"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/retry"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/tlsutil"
	"github.com/dasjn/labbridge-fhir-hl7-app/queue"
)

const (
	readBufferSize = 8192

	invalidStructureText = "Invalid HL7 message structure"
	processingErrorText  = "Processing error: "
)

// Deps holds the listener's collaborators.
type Deps struct {
	Config          Config
	Publisher       queue.Publisher
	Acks            *ack.Generator
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Listener accepts MLLP connections, enqueues each valid message and
// answers it with an acknowledgment. Connections are served concurrently;
// messages on one connection are handled in arrival order.
type Listener struct {
	cfg       Config
	publisher queue.Publisher
	acks      *ack.Generator
	logger    *slog.Logger
	metrics   *Metrics
	tls       *tls.Config

	bindRetry retry.Config

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	shutdown chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	running  atomic.Bool
	handlers sync.WaitGroup
	slots    chan struct{}

	accepted atomic.Int64
	received atomic.Int64
}

// New creates a Listener.
func New(deps Deps) (*Listener, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Publisher == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: publisher", errors.ErrMissingConfig),
			"mllp", "New", "check dependencies")
	}

	tlsConfig, err := tlsutil.LoadServer(deps.Config.TLS)
	if err != nil {
		return nil, err
	}

	acks := deps.Acks
	if acks == nil {
		acks = ack.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		cfg:       deps.Config,
		publisher: deps.Publisher,
		acks:      acks,
		logger:    logger.With("component", "mllp"),
		metrics:   newMetrics(deps.MetricsRegistry),
		tls:       tlsConfig,
		bindRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		},
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the listening socket and begins accepting connections in
// the background. It returns once the socket is bound.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return nil
	}

	var ln net.Listener
	err := retry.Do(ctx, l.bindRetry, func() error {
		var err error
		ln, err = net.Listen("tcp", l.cfg.address())
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "mllp", "Start", "bind "+l.cfg.address())
	}
	if l.tls != nil {
		ln = tls.NewListener(ln, l.tls)
	}

	l.ln = ln
	l.shutdown = make(chan struct{})
	l.done = make(chan struct{})
	l.stopped = make(chan struct{})
	l.slots = make(chan struct{}, l.cfg.MaxConnections)
	l.running.Store(true)

	l.logger.Info("MLLP listener started", "address", ln.Addr().String(),
		"max_connections", l.cfg.MaxConnections, "tls", l.tls != nil)

	go func() {
		defer close(l.done)
		l.acceptLoop(ctx, ln)
	}()

	// Cancelling ctx stops the listener with the configured grace period.
	go func(shutdown <-chan struct{}) {
		select {
		case <-ctx.Done():
			if err := l.Stop(l.cfg.ShutdownGrace); err != nil {
				l.logger.Warn("Shutdown after context cancellation incomplete", "error", err)
			}
		case <-shutdown:
		}
	}(l.shutdown)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// IsRunning reports whether the listener is accepting connections.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

// Stats returns the number of accepted connections and received frames.
func (l *Listener) Stats() (connections, messages int64) {
	return l.accepted.Load(), l.received.Load()
}

// Stop stops accepting connections and lets open connections finish the
// message they are handling. Idle connections are closed right away.
// Handlers still busy after timeout have their sockets closed.
func (l *Listener) Stop(timeout time.Duration) error {
	if !l.running.CompareAndSwap(true, false) {
		return l.awaitStop(timeout)
	}

	l.mu.Lock()
	stopped := l.stopped
	close(l.shutdown)
	_ = l.ln.Close()
	// Unblock reads on idle connections; the handler exits between frames.
	for c := range l.conns {
		_ = c.SetReadDeadline(time.Now())
	}
	done := l.done
	l.mu.Unlock()
	defer close(stopped)

	<-done

	finished := make(chan struct{})
	go func() {
		l.handlers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		l.logger.Info("MLLP listener stopped")
		return nil
	case <-time.After(timeout):
	}

	l.mu.Lock()
	open := len(l.conns)
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()

	return errors.WrapTransient(fmt.Errorf("stop timeout after %v, closed %d connections", timeout, open),
		"mllp", "Stop", "graceful shutdown")
}

// awaitStop waits for a Stop already in progress on another goroutine.
func (l *Listener) awaitStop(timeout time.Duration) error {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped == nil {
		return nil
	}

	select {
	case <-stopped:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"mllp", "Stop", "wait for shutdown")
	}
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.logger.Error("Accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		select {
		case l.slots <- struct{}{}:
		default:
			l.metrics.connRejected()
			l.logger.Warn("Connection limit reached, closing connection",
				"remote", conn.RemoteAddr().String(), "limit", l.cfg.MaxConnections)
			_ = conn.Close()
			continue
		}

		if !l.track(conn) {
			<-l.slots
			_ = conn.Close()
			return
		}

		l.accepted.Add(1)
		l.handlers.Add(1)
		go func() {
			defer l.handlers.Done()
			defer func() { <-l.slots }()
			defer l.untrack(conn)
			l.serve(ctx, conn)
		}()
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping() {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	_ = conn.Close()
}

// armRead sets the idle deadline for the next read unless the listener is
// stopping. Stop shortens deadlines under the same lock.
func (l *Listener) armRead(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping() {
		return false
	}
	_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	return true
}

func (l *Listener) stopping() bool {
	select {
	case <-l.shutdown:
		return true
	default:
		return false
	}
}

// serve reads frames from one connection until the peer disconnects, the
// read timeout elapses, a frame exceeds the size limit or the listener stops.
func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := l.logger.With("remote", remote)

	l.metrics.connOpened()
	defer l.metrics.connClosed()
	logger.Debug("Connection opened")

	dec := frame.NewDecoder(l.cfg.limits())
	buf := make([]byte, readBufferSize)

	for {
		if !l.armRead(conn) {
			logger.Debug("Closing connection for shutdown")
			return
		}
		n, readErr := conn.Read(buf)

		if n > 0 {
			if err := dec.Feed(buf[:n]); err != nil {
				l.metrics.frameError("frame_too_large")
				logger.Warn("Dropping connection", "error", err,
					"buffered", dec.Buffered(), "limit", l.cfg.MaxFrameBytes)
				return
			}
			for {
				body, ok := dec.Next()
				if !ok {
					break
				}
				if err := l.reply(ctx, conn, body); err != nil {
					l.metrics.frameError("write")
					logger.Warn("Failed to send acknowledgment", "error", err)
					return
				}
			}
		}

		if readErr != nil {
			l.logReadError(logger, readErr, dec.Buffered())
			return
		}
	}
}

func (l *Listener) logReadError(logger *slog.Logger, err error, buffered int) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		if buffered > 0 {
			logger.Warn("Peer closed connection mid-frame", "buffered", buffered)
			return
		}
		logger.Debug("Connection closed by peer")
	case errors.As(err, &ne) && ne.Timeout():
		if l.stopping() {
			logger.Debug("Closing connection for shutdown")
			return
		}
		logger.Debug("Closing idle connection", "read_timeout", l.cfg.ReadTimeout)
	case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET):
		logger.Debug("Connection reset", "error", err)
	default:
		l.metrics.frameError("read")
		logger.Warn("Read failed", "error", err)
	}
}

// reply handles one frame body and writes its acknowledgment.
func (l *Listener) reply(ctx context.Context, conn net.Conn, body []byte) error {
	text := l.handle(ctx, body)
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return frame.WriteFrame(conn, []byte(text), frame.Limits{})
}

// handle validates and enqueues one message and returns the acknowledgment
// to send. Invalid messages are never enqueued.
func (l *Listener) handle(ctx context.Context, body []byte) string {
	l.received.Add(1)
	text := string(body)

	start := time.Now()
	valid := hl7.IsValid(text)
	elapsed := time.Since(start)

	if !valid {
		l.metrics.received("invalid", elapsed)
		l.metrics.ackSent(ack.Reject)
		controlID, _ := hl7.ControlID(text)
		l.logger.Warn("Rejected invalid HL7 message", "control_id", controlID, "bytes", len(body))
		return l.acks.Reject(text, invalidStructureText)
	}

	h, err := hl7.ParseHeader(text)
	if err != nil {
		// IsValid already parsed the header.
		l.metrics.ackSent(ack.Reject)
		return l.acks.Reject(text, invalidStructureText)
	}
	messageType := h.MessageType()
	l.metrics.received(messageType, elapsed)

	pubCtx := ctx
	if l.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), l.cfg.PublishTimeout)
		defer cancel()
	}

	if err := l.publisher.Publish(pubCtx, queue.NewEnvelope(h.ControlID, body)); err != nil {
		l.metrics.ackSent(ack.Error)
		l.logger.Error("Failed to enqueue message", "control_id", h.ControlID,
			"message_type", messageType, "error", err)
		return l.acks.Error(text, processingErrorText+err.Error())
	}

	l.metrics.ackSent(ack.Accept)
	l.logger.Info("Message accepted", "control_id", h.ControlID, "message_type", messageType)
	return l.acks.Accept(text)
}
