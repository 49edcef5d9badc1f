package session

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing  Status = "INITIALIZING"
	StatusQRPending     Status = "QR_PENDING"
	StatusAuthenticated Status = "AUTHENTICATED"
	StatusReady         Status = "READY"
	StatusDisconnected  Status = "DISCONNECTED"
	StatusAuthFailure   Status = "AUTH_FAILURE"
)

// transitions lists every legal edge. Self edges are only allowed where a
// repeated event carries new data (a refreshed QR code).
var transitions = map[Status][]Status{
	StatusInitializing:  {StatusQRPending, StatusAuthenticated, StatusDisconnected, StatusAuthFailure},
	StatusQRPending:     {StatusQRPending, StatusAuthenticated, StatusDisconnected, StatusAuthFailure},
	StatusAuthenticated: {StatusReady, StatusDisconnected, StatusAuthFailure},
	StatusReady:         {StatusDisconnected, StatusAuthFailure},
	StatusDisconnected:  {StatusInitializing, StatusQRPending, StatusAuthenticated, StatusAuthFailure},
	StatusAuthFailure:   {StatusInitializing, StatusQRPending, StatusAuthenticated, StatusDisconnected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
