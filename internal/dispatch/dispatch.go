package dispatch

import "errors"

// Notifier is the session-addressed event emitter the coordinator pushes
// ride events through. Delivery is best effort: offline sessions are a
// normal condition, never a reason to fail the primary operation.
type Notifier interface {
	Emit(sessionRef, event string, payload any) error
}

// Session refs are opaque to the coordinator; these helpers are the one
// place the naming convention lives.
func RiderSession(riderID string) string     { return "rider:" + riderID }
func CaptainSession(captainID string) string { return "captain:" + captainID }

// Envelope is the wire shape of every pushed event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ErrNoSession reports that no live connection exists for the session ref.
var ErrNoSession = errors.New("no session for ref")
