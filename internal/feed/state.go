package feed

import "fmt"

// State is the stream connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticated
	Subscribed
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Subscribed:
		return "subscribed"
	case Degraded:
		return "degraded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{Disconnected, Connecting, Authenticated, Subscribed, Degraded} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown stream state %q", b)
}

// Event drives a transition.
type Event int

const (
	EventDial          Event = iota // transport open requested
	EventAuthenticated              // upstream accepted credentials
	EventSubscribed                 // every subscription frame sent
	EventFailed                     // dial, auth, subscribe or read failed; or the transport closed
	EventExhausted                  // reconnect budget spent
	EventStop                       // cooperative shutdown
)

func (e Event) String() string {
	return [...]string{"dial", "authenticated", "subscribed", "failed", "exhausted", "stop"}[e]
}

// Next is the pure transition function. Degraded is terminal.
func (s State) Next(e Event) (State, error) {
	switch {
	case s == Degraded:
	case e == EventStop:
		return Disconnected, nil
	case s == Disconnected && e == EventDial:
		return Connecting, nil
	case s == Disconnected && e == EventExhausted:
		return Degraded, nil
	case s == Connecting && e == EventAuthenticated:
		return Authenticated, nil
	case s == Authenticated && e == EventSubscribed:
		return Subscribed, nil
	case e == EventFailed && (s == Connecting || s == Authenticated || s == Subscribed):
		return Disconnected, nil
	}
	return s, fmt.Errorf("invalid transition %s --%s-->", s, e)
}

// retryPolicy is the bounded reconnect budget.
type retryPolicy struct {
	maxAttempts int
}

// retry reports whether another attempt is allowed after failures
// consecutive failed sessions.
func (p retryPolicy) retry(failures int) bool {
	return failures < p.maxAttempts
}
