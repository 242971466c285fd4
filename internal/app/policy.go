package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	// Disconnect closes the slow connection; the close path then leaves its room.
	Disconnect
)

type Policy interface {
	OnBackPressure(sess *Session) BackpressureAction
}

// SimplePolicy disconnects any client that cannot keep up.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Session) BackpressureAction {
	return Disconnect
}
