package gearman

import "time"

// JobState is a JobRequest's position in the lifecycle spec.md §3 defines:
// UNKNOWN -> PENDING (after send) -> CREATED (after JOB_CREATED) ->
// COMPLETE|FAILED.
type JobState int

const (
	JobUnknown JobState = iota
	JobPending
	JobCreated
	JobComplete
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobCreated:
		return "CREATED"
	case JobComplete:
		return "COMPLETE"
	case JobFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Job is the immutable-after-creation unit of work: a function name, an
// optional dedup key, an opaque payload, and a reference to the connection
// it travels over. Handle is assigned by the server and set exactly once,
// on the PENDING->CREATED transition for client-originated jobs.
type Job struct {
	Handle     []byte
	Task       []byte
	Unique     []byte
	Data       []byte
	Connection *Connection
}

// NewJob constructs a Job bound to a connection. Handle may be nil for a
// client-originated job awaiting JOB_CREATED, or pre-populated for a job a
// worker was just assigned.
func NewJob(conn *Connection, handle, task, unique, data []byte) *Job {
	return &Job{Handle: handle, Task: task, Unique: unique, Data: data, Connection: conn}
}

// JobStatus is the worker/server-reported progress snapshot a client last
// observed for one job.
type JobStatus struct {
	Handle       []byte
	Known        bool
	Running      bool
	Numerator    int
	Denominator  int
	TimeReceived time.Time
}

// byteQueue is an ordered FIFO of byte-string updates. It exists because
// the standard library has no generic deque; a growable slice with a
// popped-from-front index is sufficient at this scale — the original's
// work/data/warning queues are bounded by how many updates one job sends.
type byteQueue struct {
	items [][]byte
}

func (q *byteQueue) push(b []byte) { q.items = append(q.items, b) }

func (q *byteQueue) popFront() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b, true
}

func (q *byteQueue) len() int { return len(q.items) }

// JobRequest is the client-side wrapper around a Job. Invariants (spec.md
// §3): Result is set iff State == JobComplete; background requests jump
// PENDING->CREATED->COMPLETE immediately on JOB_CREATED; ConnectionAttempts
// never exceeds MaxConnectionAttempts at any observable point.
type JobRequest struct {
	Job         *Job
	Priority    Priority
	Background  bool
	State       JobState
	Result      []byte
	HasResult   bool
	TimedOut    bool
	Status      JobStatus
	HasStatus   bool

	DataUpdates    byteQueue
	WarningUpdates byteQueue

	ConnectionAttempts    int
	MaxConnectionAttempts int
}

// NewJobRequest wraps job for client-side submission.
func NewJobRequest(job *Job, priority Priority, background bool) *JobRequest {
	return &JobRequest{
		Job:                   job,
		Priority:              priority,
		Background:            background,
		State:                 JobUnknown,
		MaxConnectionAttempts: 1,
	}
}

// Complete reports whether the request has reached a terminal state.
func (r *JobRequest) Complete() bool {
	return r.State == JobComplete || r.State == JobFailed
}

// Reset returns the request to its pristine UNKNOWN state, discarding any
// accumulated result/status/updates — used by tests that re-drive the same
// request through multiple priority/background combinations.
func (r *JobRequest) Reset() {
	r.State = JobUnknown
	r.Result = nil
	r.HasResult = false
	r.TimedOut = false
	r.Status = JobStatus{}
	r.HasStatus = false
	r.DataUpdates = byteQueue{}
	r.WarningUpdates = byteQueue{}
	r.ConnectionAttempts = 0
}
