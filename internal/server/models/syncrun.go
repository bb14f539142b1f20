package models

import "time"

// RunStatus is the lifecycle state of a sync run. Transitions are monotonic:
// initiated → in_progress → {completed | failed | partial}, with cancelled
// reachable from the two non-terminal states. Terminal runs never change.
type RunStatus string

const (
	RunInitiated  RunStatus = "initiated"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunPartial    RunStatus = "partial"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether no further status transition is permitted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunPartial, RunCancelled:
		return true
	}
	return false
}

// TriggerKind records what started a sync run.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerAuto      TriggerKind = "auto"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerForced    TriggerKind = "forced"
)

// ValidTrigger reports whether s names a known trigger kind.
func ValidTrigger(s string) bool {
	switch TriggerKind(s) {
	case TriggerManual, TriggerAuto, TriggerScheduled, TriggerForced:
		return true
	}
	return false
}

// ConflictKind classifies a detected mismatch between a device's last-known
// item state and the canonical store.
type ConflictKind string

const (
	ConflictVersion      ConflictKind = "version"
	ConflictDeletion     ConflictKind = "deletion"
	ConflictModification ConflictKind = "modification"
)

// Resolution is the manual choice recorded against a conflict.
type Resolution string

const (
	ResolutionServerWins Resolution = "server_wins"
	ResolutionClientWins Resolution = "client_wins"
	ResolutionManual     Resolution = "manual"
)

// ValidResolution reports whether s names a known resolution.
func ValidResolution(s string) bool {
	switch Resolution(s) {
	case ResolutionServerWins, ResolutionClientWins, ResolutionManual:
		return true
	}
	return false
}

// Conflict is one recorded mismatch inside a sync run. Idx is the conflict's
// ordinal within the run and is stable for the life of the audit record.
type Conflict struct {
	RunID      string
	Idx        int
	ItemType   Category
	ItemID     string
	Kind       ConflictKind
	Resolution *Resolution
	ResolvedAt *time.Time
}

// RunError is the structured error stored on a failed run.
type RunError struct {
	Code    string
	Message string
}

// SyncRun is one synchronization attempt for one device. Runs are retained
// indefinitely as audit records; a partial run stays partial even after all
// of its conflicts have been resolved.
type SyncRun struct {
	ID          string
	UserID      string
	DeviceID    string
	Trigger     TriggerKind
	Status      RunStatus
	Categories  []Category
	Counts      map[Category]int64
	TotalItems  int64
	TotalBytes  int64
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       *RunError
	Conflicts   []Conflict
}

// Duration is completedAt − startedAt, or zero while the run is live.
func (r *SyncRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// UnresolvedConflicts counts conflicts with no recorded resolution.
func (r *SyncRun) UnresolvedConflicts() int {
	n := 0
	for _, c := range r.Conflicts {
		if c.Resolution == nil {
			n++
		}
	}
	return n
}
