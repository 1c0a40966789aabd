package session

import "fmt"

// State is the position of a session in its connection lifecycle
type State int

const (
	Idle State = iota
	Connecting
	Failed
	Connected
	ServicesResolved
	ReadingCharacteristics
	Identified
	Disconnecting
	PartialFailure
	Complete
)

var stateNames = map[State]string{
	Idle:                   "idle",
	Connecting:             "connecting",
	Failed:                 "failed",
	Connected:              "connected",
	ServicesResolved:       "services_resolved",
	ReadingCharacteristics: "reading_characteristics",
	Identified:             "identified",
	Disconnecting:          "disconnecting",
	PartialFailure:         "partial_failure",
	Complete:               "complete",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further events are processed in this state
func (s State) Terminal() bool {
	return s == Failed || s == Complete
}
