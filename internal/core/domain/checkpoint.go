package domain

import "time"

// Checkpoint represents the replay position for a collection.
type Checkpoint struct {
	Collection    string          `db:"collection"`
	AppliedCount  uint64          `db:"applied_count"`
	LastAppliedAt time.Time       `db:"last_applied_at"`
	State         CheckpointState `db:"state"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

type CheckpointState string

const (
	CheckpointStateInit       CheckpointState = "init"
	CheckpointStateReplaying  CheckpointState = "replaying"
	CheckpointStateCatchup    CheckpointState = "catchup"
	CheckpointStatePaused     CheckpointState = "paused"
	CheckpointStateConflicted CheckpointState = "conflicted"
)
