package loopback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	webassets "github.com/Loongphy/yogu-chat-app/web"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// DefaultBindAddress is the loopback interface the callback listener binds to.
	DefaultBindAddress = "127.0.0.1"
	// DefaultShutdownTimeout bounds how long in-flight responses may take to flush.
	DefaultShutdownTimeout = 5 * time.Second

	readHeaderTimeout = 10 * time.Second
)

var (
	// ErrNonLoopbackAddress indicates the configured bind address is not a loopback IP.
	ErrNonLoopbackAddress = errors.New("loopback.non_loopback_address")
	// ErrListen indicates the OS refused to bind an ephemeral port.
	ErrListen = errors.New("loopback.listen")
)

// CallbackReport describes one handled callback request.
type CallbackReport struct {
	Recognized int
	Complete   bool
}

// ServerConfig configures a callback listener.
type ServerConfig struct {
	BindAddress     string
	SuccessBody     string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	Logger          *zap.Logger
	// Observer, when set, is called after every handled callback.
	Observer func(CallbackReport)
}

// Server is one sign-in session's callback listener. It owns its port and its serving
// goroutine until Released is closed.
type Server struct {
	logger          *zap.Logger
	listener        net.Listener
	httpServer      *http.Server
	port            int
	tokens          *TokenState
	successBody     string
	shutdownTimeout time.Duration
	observer        func(CallbackReport)

	shutdown     *trigger
	preempted    *trigger
	serveOnce    sync.Once
	completeOnce sync.Once
	completed    chan Tokens
	releaseOnce  sync.Once
	released     chan struct{}
}

// Listen binds an OS-assigned port on the loopback interface. The port is known when
// Listen returns; requests are not answered until Serve is called.
func Listen(configuration ServerConfig) (*Server, error) {
	bindAddress := configuration.BindAddress
	if bindAddress == "" {
		bindAddress = DefaultBindAddress
	}
	bindIP := net.ParseIP(bindAddress)
	if bindIP == nil || !bindIP.IsLoopback() {
		return nil, fmt.Errorf("loopback.listen.%s: %w", bindAddress, ErrNonLoopbackAddress)
	}

	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	successBody := configuration.SuccessBody
	if successBody == "" {
		successBody = webassets.SignedInMessage
	}
	shutdownTimeout := configuration.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	listener, listenErr := net.Listen("tcp", net.JoinHostPort(bindIP.String(), "0"))
	if listenErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrListen, listenErr)
	}
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		_ = listener.Close()
		return nil, fmt.Errorf("%w: unexpected address type %T", ErrListen, listener.Addr())
	}

	server := &Server{
		logger:          logger,
		listener:        listener,
		port:            tcpAddr.Port,
		tokens:          NewTokenState(),
		successBody:     successBody,
		shutdownTimeout: shutdownTimeout,
		observer:        configuration.Observer,
		shutdown:        newTrigger(),
		preempted:       newTrigger(),
		completed:       make(chan Tokens, 1),
		released:        make(chan struct{}),
	}

	router, routerErr := server.buildRouter(configuration.AllowedOrigins)
	if routerErr != nil {
		_ = listener.Close()
		return nil, routerErr
	}
	server.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return server, nil
}

func (server *Server) buildRouter(allowedOrigins []string) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(server.logger, server.port))
	if len(allowedOrigins) > 0 {
		corsMiddleware, corsErr := callbackCORS(server.logger, allowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}
	router.NoRoute(server.handleCallback)
	return router, nil
}

// Port returns the bound port number.
func (server *Server) Port() int {
	return server.port
}

// CallbackURL returns the base URL the browser is expected to redirect to.
func (server *Server) CallbackURL() string {
	return "http://" + net.JoinHostPort(server.listener.Addr().(*net.TCPAddr).IP.String(), strconv.Itoa(server.port)) + "/"
}

// Tokens exposes the session's token state.
func (server *Server) Tokens() *TokenState {
	return server.tokens
}

// Completed delivers the token snapshot once both fields have been received.
func (server *Server) Completed() <-chan Tokens {
	return server.completed
}

// Preempted is closed when a newer session asked this one to stop.
func (server *Server) Preempted() <-chan struct{} {
	return server.preempted.done()
}

// Released is closed after the listener stopped serving and the port was closed.
func (server *Server) Released() <-chan struct{} {
	return server.released
}

// Serve starts answering callbacks in the background. It returns immediately.
func (server *Server) Serve() {
	server.serveOnce.Do(func() {
		serveDone := make(chan struct{})
		go func() {
			defer close(serveDone)
			if err := server.httpServer.Serve(server.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				server.logger.Warn("callback listener stopped unexpectedly",
					zap.String("code", "loopback.serve_failed"),
					zap.Int("port", server.port),
					zap.Error(err))
				server.shutdown.fire()
			}
		}()
		go func() {
			<-server.shutdown.done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), server.shutdownTimeout)
			defer cancel()
			if err := server.httpServer.Shutdown(shutdownCtx); err != nil {
				server.logger.Warn("callback listener graceful shutdown failed",
					zap.String("code", "loopback.shutdown_forced"),
					zap.Int("port", server.port),
					zap.Error(err))
				_ = server.httpServer.Close()
			}
			<-serveDone
			_ = server.listener.Close()
			server.release()
		}()
	})
}

// Stop asks the listener to shut down gracefully. It reports whether this call initiated the shutdown.
func (server *Server) Stop() bool {
	return server.shutdown.fire()
}

// Preempt stops the listener on behalf of a newer session.
func (server *Server) Preempt() {
	server.preempted.fire()
	server.shutdown.fire()
}

// Close releases a listener. If Serve was never called the port is released immediately;
// otherwise Close behaves like Stop.
func (server *Server) Close() error {
	server.shutdown.fire()
	var closeErr error
	server.serveOnce.Do(func() {
		closeErr = server.listener.Close()
		server.release()
	})
	return closeErr
}

func (server *Server) release() {
	server.releaseOnce.Do(func() {
		close(server.released)
		server.logger.Debug("callback listener released", zap.Int("port", server.port))
	})
}

func (server *Server) handleCallback(contextGin *gin.Context) {
	pairs := ParseCallbackQuery(contextGin.Request.URL.RawQuery)
	recognized, snapshot, complete := server.tokens.Apply(pairs)
	if complete {
		server.completeOnce.Do(func() {
			server.completed <- snapshot
		})
	} else {
		server.logger.Warn("callback missing sign-in parameters",
			zap.String("code", "loopback.callback_incomplete"),
			zap.Int("port", server.port),
			zap.Int("recognized", recognized))
	}
	if server.observer != nil {
		server.observer(CallbackReport{Recognized: recognized, Complete: complete})
	}

	server.shutdown.fire()
	contextGin.String(http.StatusOK, server.successBody)
}

func requestLogger(logger *zap.Logger, port int) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("callback",
			zap.Int("port", port),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
