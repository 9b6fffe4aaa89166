package lifecycle

import (
	"github.com/google/uuid"
	"github.com/telhawk-systems/abbey/common/messaging"
	"github.com/telhawk-systems/abbey/internal/provision"
)

// State is a step of the run lifecycle.
type State int

const (
	StateInit State = iota
	StateQueueCreated
	StateInstanceLaunched
	StateMonitoring
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateQueueCreated:
		return "QUEUE_CREATED"
	case StateInstanceLaunched:
		return "INSTANCE_LAUNCHED"
	case StateMonitoring:
		return "MONITORING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Lease pairs the queue and instance owned by one run.
type Lease struct {
	ID        string
	QueueName string
	Queue     messaging.Queue // nil until created
	Placement provision.Placement
	Instance  provision.Instance // zero until launched
	State     State
}

func newLease(queueName string) *Lease {
	return &Lease{
		ID:        uuid.NewString(),
		QueueName: queueName,
		State:     StateInit,
	}
}

// HasQueue reports whether the lease holds a queue that must be released.
func (l *Lease) HasQueue() bool { return l.Queue != nil }

// HasInstance reports whether the lease holds an instance that must be released.
func (l *Lease) HasInstance() bool { return l.Instance.ID != "" }
