package stream

import "github.com/backupdesk/backupdesk/internal/model"

// Phase is the position of one subscription in its lifecycle
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseStreaming  Phase = "streaming"
	PhasePolling    Phase = "polling"
	PhaseTerminated Phase = "terminated"
)

// Mode is the transport currently delivering a feed
type Mode string

const (
	ModeNone Mode = "none"
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// transitions lists the legal phase changes. Connecting may repeat for the
// single push reconnect; any phase may end in Terminated.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseConnecting, PhasePolling},
	PhaseConnecting: {PhaseConnecting, PhaseStreaming, PhasePolling},
	PhaseStreaming:  {PhaseConnecting, PhasePolling},
	PhasePolling:    {},
}

func canTransition(from, to Phase) bool {
	if to == PhaseTerminated {
		return from != PhaseTerminated
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// ConnState describes how a feed is currently connected
type ConnState struct {
	Mode      Mode   `json:"mode"`
	Phase     Phase  `json:"phase"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	Terminal  bool   `json:"terminal"`
}

// Update is delivered to watchers whenever a feed's snapshot or connection
// state changes. Snapshot is nil until the first status arrives.
type Update struct {
	ID       int
	Snapshot *model.BackupStatus
	Conn     ConnState
}
