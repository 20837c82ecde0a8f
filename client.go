package gearman

import (
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientManager is the high-level entry point client code uses to submit
// jobs and poll their status, per spec.md §6. It owns one Connection per
// configured host plus that connection's clientCommandHandler, and routes
// each JobRequest through its own rotating candidate queue (spec.md §4.E)
// so a single dead server doesn't stall every submission behind it.
type ClientManager struct {
	*manager

	handlers          map[*Connection]*clientCommandHandler
	requestCandidates map[*JobRequest][]*Connection
	pendingRetries    []*JobRequest

	codecEncode func([]byte) []byte
	codecDecode func([]byte) []byte

	PollTimeout time.Duration
}

// NewClientManager builds a ClientManager over hosts ("host:port" or bare
// host entries). keyfile/certfile/caCerts must be all-empty or all-set.
func NewClientManager(hosts []string, keyfile, certfile, caCerts string, log *logrus.Entry) (*ClientManager, error) {
	specs, err := parseHostList(hosts)
	if err != nil {
		return nil, err
	}
	base, err := newManager(specs, keyfile, certfile, caCerts, log)
	if err != nil {
		return nil, err
	}

	cm := &ClientManager{
		manager:           base,
		handlers:          make(map[*Connection]*clientCommandHandler),
		requestCandidates: make(map[*JobRequest][]*Connection),
		PollTimeout:       2 * time.Second,
	}
	return cm, nil
}

// SetDataCodec overrides how job payloads are transformed at the handler
// boundary (e.g. compression or serialization), mirroring spec.md's
// encode_data/decode_data extensibility point. Applies to handlers created
// after this call; identity by default.
func (cm *ClientManager) SetDataCodec(encode, decode func([]byte) []byte) {
	cm.codecEncode, cm.codecDecode = encode, decode
}

func (cm *ClientManager) handlerFor(conn *Connection) *clientCommandHandler {
	h, ok := cm.handlers[conn]
	if !ok {
		h = newClientCommandHandler(conn, cm.log)
		if cm.codecEncode != nil {
			h.encodeData = cm.codecEncode
		}
		if cm.codecDecode != nil {
			h.decodeData = cm.codecDecode
		}
		cm.handlers[conn] = h
	}
	return h
}

// handleConnectionError detaches conn's handler and returns any in-flight
// JobRequest it was tracking to a retryable state (spec.md §4.E's
// handle_error contract) — a dead connection must not strand a request
// forever. Requests that have already exhausted MaxConnectionAttempts are
// queued for retry as well; the next wait loop iteration surfaces
// ExceededConnectionAttempts for them via EstablishRequestConnection.
func (cm *ClientManager) handleConnectionError(conn *Connection) {
	h, ok := cm.handlers[conn]
	if !ok {
		return
	}
	delete(cm.handlers, conn)
	cm.pendingRetries = append(cm.pendingRetries, h.abandon()...)
}

// EstablishRequestConnection maintains req's own rotating queue of
// candidate connections (spec.md §4.E): the queue is shuffled once per
// request and then popped until one connects, incrementing
// req.ConnectionAttempts on every attempt. A repeat call for the same req
// (e.g. after its connection later failed) resumes from the saved queue
// position instead of reshuffling. Reaching MaxConnectionAttempts raises
// ExceededConnectionAttempts; exhausting the candidate queue first raises
// ServerUnavailable.
func (cm *ClientManager) EstablishRequestConnection(req *JobRequest) (*Connection, error) {
	queue, ok := cm.requestCandidates[req]
	if !ok {
		if len(cm.Connections) == 0 {
			return nil, newServerUnavailable("no candidate connections configured")
		}
		queue = append([]*Connection{}, cm.Connections...)
		rand.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
	}

	for {
		if req.ConnectionAttempts >= req.MaxConnectionAttempts {
			cm.requestCandidates[req] = queue
			return nil, newExceededConnectionAttempts(req.ConnectionAttempts)
		}
		if len(queue) == 0 {
			delete(cm.requestCandidates, req)
			return nil, newServerUnavailable("no candidate connection could be established")
		}

		conn := queue[0]
		queue = queue[1:]
		req.ConnectionAttempts++

		if err := cm.establishConnection(conn, 1); err != nil {
			cm.log.WithError(err).WithField("host", conn.String()).Debug("gearman: candidate connection failed")
			continue
		}
		cm.requestCandidates[req] = queue
		return conn, nil
	}
}

// SubmitJob sends one job request, waits for the server to assign it a
// handle, and — unless the job is background or waitUntilComplete is
// false — continues driving the event loop until it reaches COMPLETE or
// FAILED (or timeout elapses), per spec.md §4.E's submit_job contract.
// maxConnectionAttempts<=0 keeps JobRequest's default of 1.
func (cm *ClientManager) SubmitJob(funcName string, data []byte, unique string, priority Priority, background bool, maxConnectionAttempts int, waitUntilComplete bool, timeout time.Duration) (*JobRequest, error) {
	req := NewJobRequest(NewJob(nil, nil, []byte(funcName), []byte(unique), data), priority, background)
	if maxConnectionAttempts > 0 {
		req.MaxConnectionAttempts = maxConnectionAttempts
	}

	deadline := deadlineFor(timeout)

	conn, err := cm.EstablishRequestConnection(req)
	if err != nil {
		return req, err
	}
	req.Job.Connection = conn

	if err := cm.handlerFor(conn).SendJobRequest(req); err != nil {
		return req, err
	}

	if err := cm.waitForAccepted([]*JobRequest{req}, deadline); err != nil {
		return req, err
	}
	if !waitUntilComplete || req.Background {
		return req, nil
	}
	if err := cm.waitForCompleted([]*JobRequest{req}, deadline); err != nil {
		return req, err
	}
	return req, nil
}

// JobSpec describes one job to submit via SubmitMultipleJobs.
// MaxConnectionAttempts<=0 keeps JobRequest's default of 1.
type JobSpec struct {
	FuncName              string
	Data                  []byte
	Unique                string
	Priority              Priority
	Background            bool
	MaxConnectionAttempts int
}

// SubmitMultipleJobs submits every spec, waits for all of them to be
// accepted (assigned a handle), and — unless waitUntilComplete is false —
// continues until every non-background request reaches a terminal state
// or timeout elapses.
func (cm *ClientManager) SubmitMultipleJobs(specs []JobSpec, waitUntilComplete bool, timeout time.Duration) ([]*JobRequest, error) {
	deadline := deadlineFor(timeout)

	reqs := make([]*JobRequest, 0, len(specs))
	for _, s := range specs {
		req := NewJobRequest(NewJob(nil, nil, []byte(s.FuncName), []byte(s.Unique), s.Data), s.Priority, s.Background)
		if s.MaxConnectionAttempts > 0 {
			req.MaxConnectionAttempts = s.MaxConnectionAttempts
		}

		conn, err := cm.EstablishRequestConnection(req)
		if err != nil {
			return reqs, err
		}
		req.Job.Connection = conn

		if err := cm.handlerFor(conn).SendJobRequest(req); err != nil {
			return reqs, err
		}
		reqs = append(reqs, req)
	}

	if err := cm.waitForAccepted(reqs, deadline); err != nil {
		return reqs, err
	}
	if !waitUntilComplete {
		return reqs, nil
	}

	foreground := make([]*JobRequest, 0, len(reqs))
	for _, r := range reqs {
		if !r.Background {
			foreground = append(foreground, r)
		}
	}
	if err := cm.waitForCompleted(foreground, deadline); err != nil {
		return reqs, err
	}
	return reqs, nil
}

// driveRetries resubmits every request handleConnectionError returned to a
// retryable state, routing each through a (possibly new) connection before
// the event loop polls again.
func (cm *ClientManager) driveRetries() error {
	if len(cm.pendingRetries) == 0 {
		return nil
	}
	retries := cm.pendingRetries
	cm.pendingRetries = nil

	for _, req := range retries {
		conn, err := cm.EstablishRequestConnection(req)
		if err != nil {
			return err
		}
		req.Job.Connection = conn
		if err := cm.handlerFor(conn).SendJobRequest(req); err != nil {
			return err
		}
	}
	return nil
}

// pumpUntil drives the shared event loop in PollTimeout-sized slices until
// done() reports true or the overall deadline elapses, whichever comes
// first. deadline.IsZero() means wait forever. Before each iteration it
// resubmits any request a dead connection had stranded.
func (cm *ClientManager) pumpUntil(deadline time.Time, done func() bool) error {
	for {
		if err := cm.driveRetries(); err != nil {
			return err
		}
		if done() {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}

		slice := cm.PollTimeout
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < slice {
				slice = remaining
			}
		}

		err := cm.pumpOnce(slice, func(conn *Connection, opcode Opcode, args Args) error {
			return cm.handlerFor(conn).RecvCommand(opcode, args)
		}, cm.handleConnectionError)
		if err != nil {
			return err
		}
	}
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func (cm *ClientManager) waitForAccepted(reqs []*JobRequest, deadline time.Time) error {
	err := cm.pumpUntil(deadline, func() bool {
		for _, r := range reqs {
			if r.State == JobPending {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if r.State == JobPending {
			r.TimedOut = true
		}
	}
	return nil
}

func (cm *ClientManager) waitForCompleted(reqs []*JobRequest, deadline time.Time) error {
	err := cm.pumpUntil(deadline, func() bool {
		for _, r := range reqs {
			if !r.Complete() {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if !r.Complete() {
			r.TimedOut = true
		}
	}
	return nil
}

// WaitUntilJobsAccepted blocks until every request has left JobPending
// (i.e. received JOB_CREATED) or timeout elapses, marking any still
// PENDING as TimedOut when it returns early. timeout<=0 means wait
// forever.
func (cm *ClientManager) WaitUntilJobsAccepted(reqs []*JobRequest, timeout time.Duration) error {
	return cm.waitForAccepted(reqs, deadlineFor(timeout))
}

// WaitUntilJobsCompleted blocks until every request reaches a terminal
// state (COMPLETE or FAILED) or timeout elapses, marking any still
// outstanding as TimedOut when it returns early.
func (cm *ClientManager) WaitUntilJobsCompleted(reqs []*JobRequest, timeout time.Duration) error {
	return cm.waitForCompleted(reqs, deadlineFor(timeout))
}

// GetJobStatus issues GET_STATUS for req and blocks until STATUS_RES
// arrives or timeout elapses.
func (cm *ClientManager) GetJobStatus(req *JobRequest, timeout time.Duration) error {
	handler := cm.handlerFor(req.Job.Connection)
	req.HasStatus = false
	if err := handler.SendGetStatusOfJob(req); err != nil {
		return err
	}
	return cm.pumpUntil(deadlineFor(timeout), func() bool { return req.HasStatus })
}
