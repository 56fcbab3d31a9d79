package job

import (
	"sync"
	"time"

	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/workflow"
)

// Job is one submitted graph. All fields are guarded; read them through
// Snapshot.
type Job struct {
	id    string
	token engine.Token
	graph *workflow.Graph

	mu         sync.Mutex
	status     Status
	progress   float64
	message    string
	artifact   *engine.Artifact
	err        error
	reconnects int
	createdAt  time.Time
	updatedAt  time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Snapshot is a point-in-time copy of a job.
type Snapshot struct {
	ID          string
	EngineToken engine.Token
	Status      Status
	Progress    float64
	Message     string
	Artifact    *engine.Artifact
	Err         error
	// Reconnects counts progress streams reopened after a drop.
	Reconnects int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Update is delivered to listeners on every status or progress change.
type Update struct {
	JobID    string
	Status   Status
	Progress float64
	Message  string
	At       time.Time
}

// Listener observes updates.
type Listener func(Update)

func newJob(id string, token engine.Token, g *workflow.Graph, now time.Time) *Job {
	return &Job{
		id:        id,
		token:     token,
		graph:     g,
		status:    Queued,
		createdAt: now,
		updatedAt: now,
		stop:      make(chan struct{}),
	}
}

func (j *Job) ID() string { return j.id }

func (j *Job) Token() engine.Token { return j.token }

// Graph is the graph that was submitted. It must not be modified.
func (j *Job) Graph() *workflow.Graph { return j.graph }

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	var a *engine.Artifact
	if j.artifact != nil {
		cp := *j.artifact
		a = &cp
	}
	return Snapshot{
		ID:          j.id,
		EngineToken: j.token,
		Status:      j.status,
		Progress:    j.progress,
		Message:     j.message,
		Artifact:    a,
		Err:         j.err,
		Reconnects:  j.reconnects,
		CreatedAt:   j.createdAt,
		UpdatedAt:   j.updatedAt,
	}
}

// Status is shorthand for Snapshot().Status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) update() Update {
	return Update{JobID: j.id, Status: j.status, Progress: j.progress, Message: j.message, At: j.updatedAt}
}

func (j *Job) stopped() <-chan struct{} { return j.stop }

func (j *Job) signalStop() { j.stopOnce.Do(func() { close(j.stop) }) }
