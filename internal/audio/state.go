package audio

import "fmt"

// SessionState is the pipeline lifecycle: Idle → Capturing → Stopped.
type SessionState int32

const (
	Idle SessionState = iota
	Capturing
	Stopped
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}
