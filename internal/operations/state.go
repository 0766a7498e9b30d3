package operations

import (
	"time"
)

// State is the lifecycle state of one (asset, partition)
type State string

const (
	StateUnscheduled State = "unscheduled"
	StateRunning     State = "running"
	StateSuccess     State = "success"
	StateFailed      State = "failed"
)

// key identifies one materializable unit. partition is empty for
// unpartitioned assets.
type key struct {
	asset     string
	partition string
}

func (k key) String() string {
	if k.partition == "" {
		return k.asset
	}
	return k.asset + "/" + k.partition
}

type keyState struct {
	state     State
	attempts  int
	queued    bool
	rerun     bool
	reason    string
	lastErr   string
	lastKind  ErrorKind
	retryAt   time.Time
	updatedAt time.Time
}

// PartitionStatus is the externally visible state of one key
type PartitionStatus struct {
	Partition string     `json:"partition,omitempty"`
	State     State      `json:"state"`
	Queued    bool       `json:"queued"`
	Attempts  int        `json:"attempts"`
	Reason    string     `json:"reason,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	ErrorKind ErrorKind  `json:"error_kind,omitempty"`
	RetryAt   *time.Time `json:"retry_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (st *keyState) status(partitionKey string) PartitionStatus {
	ps := PartitionStatus{
		Partition: partitionKey,
		State:     st.state,
		Queued:    st.queued,
		Attempts:  st.attempts,
		Reason:    st.reason,
		LastError: st.lastErr,
		ErrorKind: st.lastKind,
	}
	if !st.retryAt.IsZero() && st.state == StateFailed {
		t := st.retryAt
		ps.RetryAt = &t
	}
	if !st.updatedAt.IsZero() {
		t := st.updatedAt
		ps.UpdatedAt = &t
	}
	return ps
}

// AssetStatus is the state of every known key of an asset
type AssetStatus struct {
	Asset        string            `json:"asset"`
	Partitioned  bool              `json:"partitioned"`
	Dependencies []AssetRef        `json:"dependencies"`
	Partitions   []PartitionStatus `json:"partitions"`
}

// AssetSummary counts the keys of an asset by state
type AssetSummary struct {
	Asset        string        `json:"asset"`
	Partitioned  bool          `json:"partitioned"`
	Dependencies []AssetRef    `json:"dependencies"`
	Counts       map[State]int `json:"counts"`
	Queued       int           `json:"queued"`
}
