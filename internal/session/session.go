package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/crypto-trading/ibportal/internal/domain"
	"github.com/crypto-trading/ibportal/internal/gateway"
	"github.com/crypto-trading/ibportal/internal/monitor"
)

const (
	DefaultMaxRetries   = 10
	DefaultPollInterval = time.Second
)

var (
	ErrNotAuthenticated = errors.New("session not authenticated")
	ErrServerNotSet     = errors.New("could not confirm brokerage accounts for the session")
	ErrClosed           = errors.New("session closed")
)

// Process is the gateway child process a session may own.
type Process interface {
	Start(ctx context.Context) (int, error)
	Terminate() error
	Running() bool
}

type Publisher interface {
	PublishSessionEvent(ev domain.SessionEvent)
}

type Options struct {
	Account  string
	Username string

	// Process is nil when attaching to a gateway someone else runs.
	Process  Process
	Prompter Prompter

	MaxRetries   int
	PollInterval time.Duration

	Events  Publisher
	Metrics *monitor.Metrics
}

// Session drives the gateway login handshake and exposes every portal
// resource method through the embedded API. Resource calls are only
// meaningful once Authenticated reports true; nothing enforces that.
//
// A Session is meant to be used from one goroutine.
type Session struct {
	gateway.API

	account      string
	username     string
	process      Process
	prompter     Prompter
	maxRetries   int
	pollInterval time.Duration

	events  Publisher
	metrics *monitor.Metrics
	logger  *slog.Logger

	mu            sync.Mutex
	state         domain.SessionState
	authenticated bool
}

func New(api gateway.API, opts Options, logger *slog.Logger) *Session {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.PollInterval < 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Prompter == nil {
		opts.Prompter = NewConsolePrompter()
	}
	s := &Session{
		API:          api,
		account:      opts.Account,
		username:     opts.Username,
		process:      opts.Process,
		prompter:     opts.Prompter,
		maxRetries:   opts.MaxRetries,
		pollInterval: opts.PollInterval,
		events:       opts.Events,
		metrics:      opts.Metrics,
		logger:       logger.With("account", opts.Account),
		state:        domain.SessionNotStarted,
	}
	s.metrics.SetSessionState(s.state)
	return s
}

func (s *Session) Account() string {
	return s.account
}

func (s *Session) Username() string {
	return s.username
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) setState(state domain.SessionState, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	switch state {
	case domain.SessionAuthenticated:
		s.authenticated = true
	case domain.SessionClosed, domain.SessionFailed:
		s.authenticated = false
	}
	s.mu.Unlock()

	s.metrics.SetSessionState(state)
	if cause != nil {
		s.logger.Error("session state changed", "from", prev, "to", state, "error", cause)
	} else {
		s.logger.Info("session state changed", "from", prev, "to", state)
	}
	s.publish(domain.EventStateChange, state, 0, string(prev)+" -> "+string(state), cause)
}

func (s *Session) publish(kind domain.EventKind, state domain.SessionState, attempt int, detail string, cause error) {
	if s.events == nil {
		return
	}
	ev := domain.NewSessionEvent(kind, state, s.account)
	ev.Attempt = attempt
	ev.Detail = detail
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.events.PublishSessionEvent(ev)
}

// StartServer spawns the owned gateway process. Without an owned process it
// assumes the gateway is already running.
func (s *Session) StartServer(ctx context.Context) error {
	if s.process == nil {
		s.logger.Info("no owned gateway process, attaching to running gateway", "base_url", s.API.BaseURL())
		return nil
	}
	s.setState(domain.SessionServerStarting, nil)
	pid, err := s.process.Start(ctx)
	if err != nil {
		err = fmt.Errorf("start gateway: %w", err)
		s.fail(err)
		return err
	}
	s.logger.Info("gateway started", "pid", pid)
	return nil
}

// Connect optionally starts the gateway and, when waitForLogin is set,
// prompts for the browser login and runs the authentication loop.
func (s *Session) Connect(ctx context.Context, startServer, waitForLogin bool) error {
	if startServer {
		if err := s.StartServer(ctx); err != nil {
			return err
		}
	}
	if !waitForLogin {
		return nil
	}
	return s.Login(ctx)
}

// Login prompts the user to log in and then authenticates. It never starts
// a gateway process.
func (s *Session) Login(ctx context.Context) error {
	s.setState(domain.SessionAwaitingUserLogin, nil)
	loginURL := s.API.LoginURL()
	s.logger.Info("waiting for browser login", "url", loginURL, "username", s.username)

	if err := s.prompter.WaitForLogin(ctx, loginURL); err != nil {
		err = fmt.Errorf("wait for login: %w", err)
		s.fail(err)
		return err
	}
	return s.Authenticate(ctx)
}

// Authenticate polls the status endpoint until the gateway reports an
// authenticated session, at most MaxRetries times. A 401 ends the loop with
// ErrAuthRejected and exhaustion with ErrRetryExhausted; either way the owned
// gateway is terminated and the session is FAILED.
func (s *Session) Authenticate(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		return s.authAttempt(ctx, attempt)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.pollInterval), uint64(s.maxRetries-1)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	switch {
	case err == nil:
		s.setState(domain.SessionAuthenticated, nil)
		return nil
	case errors.Is(err, gateway.ErrAuthRejected):
	case ctx.Err() != nil:
		err = fmt.Errorf("authenticate: %w", ctx.Err())
	default:
		err = gateway.NewAuthError(gateway.KindRetryExhausted,
			fmt.Errorf("not authenticated after %d attempts: %w", attempt, err))
	}
	s.fail(err)
	return err
}

func (s *Session) authAttempt(ctx context.Context, attempt int) error {
	status, err := s.API.AuthStatus(ctx, true)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			return s.rejected(attempt, err)
		}
		s.metrics.ObserveAuthAttempt("error")
		s.publish(domain.EventAuthAttempt, s.State(), attempt, "status check failed", err)
		s.logger.Warn("auth status check failed", "attempt", attempt, "error", err)
		return err
	}
	s.logger.Debug("auth status", "attempt", attempt, "authenticated", status.Authenticated,
		"connected", status.Connected, "competing", status.Competing)

	if status.StatusCode == 401 {
		return s.rejected(attempt, fmt.Errorf("status endpoint reported statusCode 401"))
	}
	if status.Authenticated {
		s.authAttemptOK(attempt, "status reported authenticated")
		return nil
	}

	// validate is paced at one call a minute; skip it rather than stall the poll.
	if _, err := s.API.Validate(gateway.NoWait(ctx)); err != nil {
		if errors.Is(err, gateway.ErrRateLimited) {
			s.logger.Debug("validate skipped, rate limited", "attempt", attempt)
		} else {
			s.logger.Warn("validate failed", "attempt", attempt, "error", err)
		}
	}
	if _, err := s.API.Reauthenticate(ctx); err != nil {
		s.logger.Warn("reauthenticate failed", "attempt", attempt, "error", err)
	}

	status, err = s.API.AuthStatus(ctx, false)
	switch {
	case err != nil && errors.Is(err, gateway.ErrUnauthorized):
		return s.rejected(attempt, err)
	case err != nil:
		s.logger.Warn("auth status recheck failed", "attempt", attempt, "error", err)
	case status.StatusCode == 401:
		return s.rejected(attempt, fmt.Errorf("status endpoint reported statusCode 401"))
	case status.Authenticated:
		s.authAttemptOK(attempt, "authenticated after reauthenticate")
		return nil
	}

	// The status endpoint can lag behind a completed login. A readable
	// account list is accepted as proof even though status still says false.
	accts, err := s.API.ServerAccounts(ctx)
	if err == nil && accts.Accounts != nil {
		s.logger.Warn("status reports unauthenticated but accounts are readable, treating session as authenticated",
			"attempt", attempt, "accounts", accts.Accounts)
		s.authAttemptOK(attempt, "accounts readable while status unauthenticated")
		return nil
	}

	s.metrics.ObserveAuthAttempt("unauthenticated")
	s.publish(domain.EventAuthAttempt, s.State(), attempt, "not authenticated", nil)
	s.logger.Info("session not authenticated yet", "attempt", attempt, "max_retries", s.maxRetries)
	return ErrNotAuthenticated
}

func (s *Session) authAttemptOK(attempt int, detail string) {
	s.metrics.ObserveAuthAttempt("authenticated")
	s.publish(domain.EventAuthAttempt, s.State(), attempt, detail, nil)
}

func (s *Session) rejected(attempt int, cause error) error {
	s.metrics.ObserveAuthAttempt("rejected")
	s.publish(domain.EventAuthAttempt, s.State(), attempt, "unauthorized", cause)
	s.logger.Error("gateway session is not connected", "attempt", attempt, "error", cause)
	return backoff.Permanent(gateway.NewAuthError(gateway.KindAuthRejected, cause))
}

// fail terminates the owned gateway and moves to FAILED.
func (s *Session) fail(cause error) {
	s.terminate()
	s.setState(domain.SessionFailed, cause)
}

func (s *Session) terminate() {
	if s.process == nil || !s.process.Running() {
		return
	}
	if err := s.process.Terminate(); err != nil {
		s.logger.Error("terminate gateway failed", "error", err)
	}
}

// CreateSession connects and then confirms the brokerage accounts are
// visible. With setServer false it only starts the gateway. If the accounts
// cannot be read it re-checks status and, failing that, prompts for login
// again against the already running gateway.
func (s *Session) CreateSession(ctx context.Context, startServer, setServer bool) error {
	if !setServer {
		return s.Connect(ctx, startServer, false)
	}
	if err := s.Connect(ctx, startServer, true); err != nil {
		return err
	}
	if s.setServer(ctx) {
		return nil
	}

	status, err := s.API.AuthStatus(ctx, false)
	if err != nil {
		s.logger.Warn("auth status after set server failed", "error", err)
	} else {
		s.logger.Info("create session auth status",
			"authenticated", status.Authenticated, "connected", status.Connected)
		if status.Authenticated && s.setServer(ctx) {
			return nil
		}
	}

	if err := s.Login(ctx); err != nil {
		return err
	}
	if s.setServer(ctx) {
		return nil
	}
	s.fail(ErrServerNotSet)
	return ErrServerNotSet
}

func (s *Session) setServer(ctx context.Context) bool {
	accts, err := s.API.ServerAccounts(ctx)
	if err != nil || accts.Accounts == nil {
		s.logger.Error("could not read brokerage accounts", "error", err)
		return false
	}
	if accts.Contains(s.account) {
		s.logger.Info("session created and authenticated", "selected_account", accts.SelectedAccount)
	} else {
		s.logger.Warn("configured account not found on gateway", "accounts", accts.Accounts)
	}
	return true
}

// Renew keeps the brokerage session alive: validate, reauthenticate, then a
// status refresh. Failures are logged and returned; the session stays open.
func (s *Session) Renew(ctx context.Context) error {
	if s.State().IsTerminal() {
		return ErrClosed
	}

	var errs []error
	if _, err := s.API.Validate(ctx); err != nil {
		errs = append(errs, fmt.Errorf("validate: %w", err))
	}
	if _, err := s.API.Reauthenticate(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reauthenticate: %w", err))
	}
	status, err := s.API.AuthStatus(ctx, false)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("auth status: %w", err))
	case !status.Authenticated:
		errs = append(errs, ErrNotAuthenticated)
	}

	renewErr := errors.Join(errs...)
	s.metrics.ObserveRenewal(renewErr == nil)
	s.publish(domain.EventRenewal, s.State(), 0, "validate+reauthenticate+status", renewErr)
	if renewErr != nil {
		s.logger.Warn("session renewal failed", "error", renewErr)
		return renewErr
	}
	s.logger.Info("session renewed", "connected", status.Connected)
	return nil
}

// Close terminates the owned gateway and marks the session CLOSED. It is
// safe to call more than once.
func (s *Session) Close() error {
	if s.State() == domain.SessionClosed {
		return nil
	}
	s.terminate()
	s.setState(domain.SessionClosed, nil)
	return nil
}
