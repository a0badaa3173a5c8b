package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ContentType int

const (
	ContentTypeJSON ContentType = iota
	ContentTypeForm
	ContentTypeNone
)

// Header returns the Content-Type header value, or "" when no header is sent.
func (c ContentType) Header() string {
	switch c {
	case ContentTypeJSON:
		return "application/json"
	case ContentTypeForm:
		return "application/x-www-form-urlencoded"
	default:
		return ""
	}
}

func (c ContentType) String() string {
	switch c {
	case ContentTypeJSON:
		return "json"
	case ContentTypeForm:
		return "form"
	default:
		return "none"
	}
}

type SessionState string

const (
	SessionNotStarted        SessionState = "NOT_STARTED"
	SessionServerStarting    SessionState = "SERVER_STARTING"
	SessionAwaitingUserLogin SessionState = "AWAITING_USER_LOGIN"
	SessionAuthenticated     SessionState = "AUTHENTICATED"
	SessionClosed            SessionState = "CLOSED"
	SessionFailed            SessionState = "FAILED"
)

func (s SessionState) IsTerminal() bool {
	return s == SessionClosed || s == SessionFailed
}

type TradingMode string

const (
	TradingModeLive   TradingMode = "live"
	TradingModeDryRun TradingMode = "dry_run"
)

type EndpointCategory string

const (
	EndpointGlobal            EndpointCategory = "global"
	EndpointAuthStatus        EndpointCategory = "auth_status"
	EndpointValidate          EndpointCategory = "validate"
	EndpointLiveOrders        EndpointCategory = "live_orders"
	EndpointPortfolioAccounts EndpointCategory = "portfolio_accounts"
	EndpointSnapshot          EndpointCategory = "snapshot"
	EndpointHistory           EndpointCategory = "history"
)

type EventKind string

const (
	EventStateChange EventKind = "state_change"
	EventAuthAttempt EventKind = "auth_attempt"
	EventRenewal     EventKind = "renewal"
)

// SessionEvent is published for every session lifecycle step worth journaling.
type SessionEvent struct {
	ID         uuid.UUID    `json:"id"`
	Kind       EventKind    `json:"kind"`
	State      SessionState `json:"state"`
	Account    string       `json:"account"`
	Attempt    int          `json:"attempt,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	Error      string       `json:"error,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

func NewSessionEvent(kind EventKind, state SessionState, account string) SessionEvent {
	return SessionEvent{
		ID:         NewEventID(),
		Kind:       kind,
		State:      state,
		Account:    account,
		OccurredAt: time.Now(),
	}
}

// AuthStatus mirrors the iserver/auth/status response.
type AuthStatus struct {
	Authenticated bool        `json:"authenticated"`
	Competing     bool        `json:"competing"`
	Connected     bool        `json:"connected"`
	Message       string      `json:"message"`
	Fail          string      `json:"fail,omitempty"`
	MAC           string      `json:"MAC,omitempty"`
	StatusCode    int         `json:"statusCode,omitempty"`
	ServerInfo    *ServerInfo `json:"serverInfo,omitempty"`
}

type ServerInfo struct {
	ServerName    string `json:"serverName"`
	ServerVersion string `json:"serverVersion"`
}

// ServerAccounts mirrors the iserver/accounts response.
type ServerAccounts struct {
	Accounts        []string          `json:"accounts"`
	Aliases         map[string]string `json:"aliases,omitempty"`
	SelectedAccount string            `json:"selectedAccount,omitempty"`
}

func (a *ServerAccounts) Contains(account string) bool {
	if a == nil {
		return false
	}
	for _, acct := range a.Accounts {
		if acct == account {
			return true
		}
	}
	return false
}

// StreamMessage is one frame received from the market data websocket.
type StreamMessage struct {
	Topic      string          `json:"topic"`
	ConID      int64           `json:"conid,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}
