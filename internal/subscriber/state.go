package subscriber

import (
	"fmt"

	"github.com/temoto/vender-ota/internal/protocol"
)

// State of download state machine.
type State int32

const (
	StateInvalid State = iota
	StateConnecting
	StateSubscribing
	StateAwaitingAvailability
	StateNoUpdate
	StateRequestingTransfer
	StateReceivingChunks
	StateReportingResult
	StateIdle
)

var stateNames = [...]string{
	StateInvalid:              "Invalid",
	StateConnecting:           "Connecting",
	StateSubscribing:          "Subscribing",
	StateAwaitingAvailability: "AwaitingAvailability",
	StateNoUpdate:             "NoUpdate",
	StateRequestingTransfer:   "RequestingTransfer",
	StateReceivingChunks:      "ReceivingChunks",
	StateReportingResult:      "ReportingResult",
	StateIdle:                 "Idle",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Session is one download cycle, owned by the receiver loop.
type Session struct {
	Cycle      int
	Topic      string // unique correlation topic
	Mode       string
	OutputPath string
	Version    string // from Update Available response
	TotalSize  uint32
	Offset     uint32 // next requested offset, chunk mode
	Received   int    // accepted frames
	Result     protocol.Intent
	Err        error
}

func (s *Session) String() string {
	return fmt.Sprintf("cycle=%d topic=%s mode=%s", s.Cycle, s.Topic, s.Mode)
}
