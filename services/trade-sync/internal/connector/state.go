package connector

import (
	"errors"
	"fmt"
	"time"
)

// State — состояние коннектора.
type State int32

const (
	Idle State = iota
	Authenticating
	Connected
	Listening
	Reconnecting
	Closed
)

var stateNames = [...]string{"idle", "authenticating", "connected", "listening", "reconnecting", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrAlreadyRunning   = errors.New("connector: already running")
	ErrClosed           = errors.New("connector: closed")
	ErrRetriesExhausted = errors.New("connector: reconnect retries exhausted")
)

// Причины перехода в Reconnecting (лейбл метрики reconnects_total).
const (
	ReasonAuthError      = "auth_error"
	ReasonDialError      = "dial_error"
	ReasonSubscribeError = "subscribe_error"
	ReasonReadError      = "read_error"
	ReasonSessionExpired = "session_expired"
	ReasonRotation       = "rotation"
	ReasonStop           = "stop"
	ReasonExhausted      = "retries_exhausted"
)

// Transition передаётся в хук OnTransition.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Status — снимок состояния для отчётов.
type Status struct {
	Exchange   string `json:"exchange"`
	User       string `json:"user"`
	State      State  `json:"state"`
	Generation uint64 `json:"generation"`
	// SessionToken не отдаётся наружу.
	SessionToken string    `json:"-"`
	LastError    string    `json:"last_error,omitempty"`
	Since        time.Time `json:"since"`
}
