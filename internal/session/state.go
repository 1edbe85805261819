package session

// State is the negotiation state of a session. States only move forward;
// Disconnected and Failed are terminal.
type State int

const (
	StateIdle State = iota
	StateOfferCreated
	StateOfferLocalDescriptionSet
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                     "idle",
	StateOfferCreated:             "offer-created",
	StateOfferLocalDescriptionSet: "offer-local-description-set",
	StateNegotiating:              "negotiating",
	StateConnected:                "connected",
	StateDisconnected:             "disconnected",
	StateFailed:                   "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}
