// Package authflow signs the desktop app in through the system browser. A short-lived
// listener on the loopback interface receives the redirect from the consent page.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Loongphy/yogu-chat-app/internal/journal"
	"github.com/Loongphy/yogu-chat-app/internal/loopback"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BrowserOpener opens a URL in the user's default browser.
type BrowserOpener func(target string) error

// Result is the identity and access token delivered by the consent page.
type Result struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// Option customizes an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(authenticator *Authenticator) {
		if logger != nil {
			authenticator.logger = logger
		}
	}
}

// WithMetrics sets the event counter.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(authenticator *Authenticator) {
		if recorder != nil {
			authenticator.metrics = recorder
		}
	}
}

// WithJournal records every session's lifecycle.
func WithJournal(store journal.Journal) Option {
	return func(authenticator *Authenticator) {
		authenticator.journal = store
	}
}

// WithConsentURLHandler receives each consent URL before the browser is opened.
func WithConsentURLHandler(handler func(consentURL string)) Option {
	return func(authenticator *Authenticator) {
		authenticator.onConsentURL = handler
	}
}

// Authenticator runs browser sign-ins. At most one of its sessions listens at a time:
// starting a new one preempts the previous one.
type Authenticator struct {
	configuration Config
	consentURL    *url.URL
	openBrowser   BrowserOpener
	logger        *zap.Logger
	metrics       MetricsRecorder
	journal       journal.Journal
	onConsentURL  func(string)
	slot          *loopback.ShutdownSlot
}

// New validates configuration and builds an Authenticator that opens consent pages with openBrowser.
func New(configuration Config, openBrowser BrowserOpener, options ...Option) (*Authenticator, error) {
	if openBrowser == nil {
		return nil, errors.New("authflow.new: browser opener is required")
	}
	if configuration.ConsentURL == "" {
		configuration.ConsentURL = DefaultConsentURL
	}
	consentURL, err := ParseConsentURL(configuration.ConsentURL)
	if err != nil {
		return nil, fmt.Errorf("authflow.new: %w", err)
	}
	if configuration.PreemptGrace <= 0 {
		configuration.PreemptGrace = DefaultPreemptGrace
	}
	if len(configuration.AllowedOrigins) > 0 {
		if _, originErr := loopback.NormalizeOrigins(configuration.AllowedOrigins); originErr != nil {
			return nil, fmt.Errorf("authflow.new: %w", originErr)
		}
	}
	authenticator := &Authenticator{
		configuration: configuration,
		consentURL:    consentURL,
		openBrowser:   openBrowser,
		logger:        zap.NewNop(),
		metrics:       nopMetrics{},
		slot:          loopback.NewShutdownSlot(),
	}
	for _, option := range options {
		option(authenticator)
	}
	return authenticator, nil
}

// Run opens the consent page and blocks until the browser redirects back with both
// user_id and access_token, the configured timeout or ctx ends the wait, or a newer
// Run preempts this one. The callback listener is released before Run returns.
func (authenticator *Authenticator) Run(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	authenticator.preemptPrevious()

	session := journal.SessionRecord{
		SessionID: uuid.NewString(),
		Outcome:   journal.OutcomeStarted,
		StartedAt: time.Now().UTC(),
	}
	logger := authenticator.logger.With(zap.String("session_id", session.SessionID))

	server, listenErr := loopback.Listen(loopback.ServerConfig{
		BindAddress:     authenticator.configuration.BindAddress,
		ShutdownTimeout: authenticator.configuration.ShutdownTimeout,
		AllowedOrigins:  authenticator.configuration.AllowedOrigins,
		Logger:          logger,
		Observer:        authenticator.observeCallback,
	})
	if listenErr != nil {
		authenticator.metrics.Increment(EventSessionFailed)
		logger.Error("callback listener bind failed", zap.String("code", "authflow.bind_failed"), zap.Error(listenErr))
		return Result{}, fmt.Errorf("authflow.run: %w: %w", ErrBind, listenErr)
	}
	authenticator.slot.Install(server)

	session.Port = server.Port()
	authenticator.record(ctx, logger, session)
	authenticator.metrics.Increment(EventSessionStarted)

	consentURL := BuildConsentURL(authenticator.consentURL, server.Port())
	logger.Info("awaiting browser sign-in", zap.Int("port", server.Port()), zap.String("consent_url", consentURL))
	if authenticator.onConsentURL != nil {
		authenticator.onConsentURL(consentURL)
	}

	if openErr := authenticator.openBrowser(consentURL); openErr != nil {
		authenticator.release(server)
		authenticator.finish(ctx, logger, session, journal.OutcomeFailed, EventSessionFailed)
		logger.Error("browser launch failed", zap.String("code", "authflow.browser_failed"), zap.Error(openErr))
		return Result{}, fmt.Errorf("authflow.run: %w: %w", ErrBrowserLaunch, openErr)
	}
	server.Serve()

	return authenticator.await(ctx, logger, session, server)
}

func (authenticator *Authenticator) await(ctx context.Context, logger *zap.Logger, session journal.SessionRecord, server *loopback.Server) (Result, error) {
	var deadline <-chan time.Time
	if timeout := authenticator.configuration.Timeout; timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var (
		outcome journal.Outcome
		event   string
		waitErr error
	)
	select {
	case <-server.Completed():
		return authenticator.complete(ctx, logger, session, server)
	case <-server.Preempted():
		outcome, event, waitErr = journal.OutcomePreempted, EventSessionPreempted, ErrPreempted
	case <-deadline:
		outcome, event, waitErr = journal.OutcomeTimedOut, EventSessionTimedOut, ErrTimedOut
	case <-ctx.Done():
		outcome, event, waitErr = journal.OutcomeCancelled, EventSessionCancelled, ErrCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome, event, waitErr = journal.OutcomeTimedOut, EventSessionTimedOut, ErrTimedOut
		}
	}

	select {
	case <-server.Completed():
		return authenticator.complete(ctx, logger, session, server)
	default:
	}

	authenticator.release(server)
	authenticator.finish(ctx, logger, session, outcome, event)
	logger.Warn("browser sign-in ended without tokens", zap.String("code", "authflow."+string(outcome)))
	return Result{}, fmt.Errorf("authflow.run: %w", waitErr)
}

// complete waits for the listener to release its port, then returns the final token state.
func (authenticator *Authenticator) complete(ctx context.Context, logger *zap.Logger, session journal.SessionRecord, server *loopback.Server) (Result, error) {
	authenticator.release(server)
	tokens, _ := server.Tokens().Snapshot()
	authenticator.finish(ctx, logger, session, journal.OutcomeCompleted, EventSessionCompleted)
	logger.Info("browser sign-in completed", zap.String("user_id", tokens.UserID))
	return Result{UserID: tokens.UserID, AccessToken: tokens.AccessToken}, nil
}

// preemptPrevious stops the listener of an earlier session, waiting at most the grace
// period for it to release its port.
func (authenticator *Authenticator) preemptPrevious() {
	released, present := authenticator.slot.TakeAndSignal()
	if !present {
		return
	}
	grace := time.NewTimer(authenticator.configuration.PreemptGrace)
	defer grace.Stop()
	select {
	case <-released:
		authenticator.logger.Info("previous sign-in listener stopped")
	case <-grace.C:
		authenticator.logger.Warn("previous sign-in listener still shutting down",
			zap.String("code", "authflow.preempt_grace_elapsed"),
			zap.Duration("grace", authenticator.configuration.PreemptGrace))
	}
}

func (authenticator *Authenticator) release(server *loopback.Server) {
	authenticator.slot.Clear(server)
	_ = server.Close()
	<-server.Released()
}

func (authenticator *Authenticator) observeCallback(report loopback.CallbackReport) {
	authenticator.metrics.Increment(EventCallbackReceived)
	if !report.Complete {
		authenticator.metrics.Increment(EventCallbackIncomplete)
	}
}

func (authenticator *Authenticator) finish(ctx context.Context, logger *zap.Logger, session journal.SessionRecord, outcome journal.Outcome, event string) {
	authenticator.metrics.Increment(event)
	session.Outcome = outcome
	session.FinishedAt = time.Now().UTC()
	authenticator.record(context.WithoutCancel(ctx), logger, session)
}

func (authenticator *Authenticator) record(ctx context.Context, logger *zap.Logger, session journal.SessionRecord) {
	if authenticator.journal == nil {
		return
	}
	if err := authenticator.journal.Record(ctx, session); err != nil {
		logger.Warn("session journal write failed",
			zap.String("code", "authflow.journal_failed"),
			zap.String("outcome", string(session.Outcome)),
			zap.Error(err))
	}
}
