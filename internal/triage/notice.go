package triage

import (
	"fmt"
	"time"
)

// State is the load state of a Synchronizer.
type State int32

// Load states. Operating is tracked separately, see Synchronizer.Operating.
const (
	StateEmpty State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// NoticeKind classifies a Notice.
type NoticeKind string

// Notice kinds.
const (
	NoticeState    NoticeKind = "state"
	NoticeProgress NoticeKind = "progress"
	NoticeWarning  NoticeKind = "warning"
	NoticeAdded    NoticeKind = "added"
	NoticeRemoved  NoticeKind = "removed"
	NoticeRenamed  NoticeKind = "renamed"
	NoticeChanged  NoticeKind = "changed"
	NoticeRefresh  NoticeKind = "refresh"
)

// Notice is one observable engine event. Listeners receive notices from
// several goroutines.
type Notice struct {
	Kind        NoticeKind `json:"kind"`
	Time        time.Time  `json:"time"`
	Operation   string     `json:"operation,omitempty"`
	OperationID string     `json:"operation_id,omitempty"`
	State       string     `json:"state,omitempty"`
	Current     int        `json:"current,omitempty"`
	Total       int        `json:"total,omitempty"`
	Path        string     `json:"path,omitempty"`
	OldPath     string     `json:"old_path,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// Listener receives notices. It must be safe for concurrent use and must
// not block for long.
type Listener func(Notice)
