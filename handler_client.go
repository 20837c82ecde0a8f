package gearman

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// clientCommandHandler drives the client side of one Connection through
// the JobRequest lifecycle state machine spec.md §3/§9 describes:
// PENDING (sent, awaiting JOB_CREATED) -> CREATED (handle assigned) ->
// COMPLETE|FAILED. requestsAwaitingHandles correlates outgoing
// SUBMIT_JOB* frames with their JOB_CREATED reply by arrival order, since
// the server is not required to echo back anything else that identifies
// the request before a handle exists.
type clientCommandHandler struct {
	commandHandler

	requestsAwaitingHandles []*JobRequest
	handleToRequestMap      map[string]*JobRequest
}

func newClientCommandHandler(conn *Connection, log *logrus.Entry) *clientCommandHandler {
	return &clientCommandHandler{
		commandHandler:     newCommandHandler(conn, log),
		handleToRequestMap: make(map[string]*JobRequest),
	}
}

// SendJobRequest packs req as the SUBMIT_JOB* opcode its (background,
// priority) pair selects, queues it on the connection, and marks it
// PENDING awaiting a handle.
func (h *clientCommandHandler) SendJobRequest(req *JobRequest) error {
	opcode := submitOpcodeFor(req.Background, req.Priority)
	args := Args{
		"task":   req.Job.Task,
		"unique": req.Job.Unique,
		"data":   h.encodeData(req.Job.Data),
	}
	h.conn.SendCommand(opcode, args)
	h.requestsAwaitingHandles = append(h.requestsAwaitingHandles, req)
	req.State = JobPending
	return nil
}

// SendGetStatusOfJob issues a GET_STATUS request for a job that already
// has a handle (spec.md §6: a client may poll status for a background
// job at any time after JOB_CREATED).
func (h *clientCommandHandler) SendGetStatusOfJob(req *JobRequest) error {
	if req.Job.Handle == nil {
		return newInvalidClientState("cannot get status of a job with no handle yet")
	}
	h.conn.SendCommand(OpGetStatus, Args{"job_handle": req.Job.Handle})
	return nil
}

// RecvCommand dispatches one frame read off the connection to the
// matching state transition. Unrecognized opcodes for this role raise
// InvalidClientState: the server should never send a client a worker-bound
// command.
func (h *clientCommandHandler) RecvCommand(opcode Opcode, args Args) error {
	switch opcode {
	case OpJobCreated:
		return h.recvJobCreated(args)
	case OpWorkData:
		return h.recvWorkUpdate(args, false)
	case OpWorkWarning:
		return h.recvWorkUpdate(args, true)
	case OpWorkStatus:
		return h.recvWorkStatus(args)
	case OpWorkComplete:
		return h.recvWorkComplete(args)
	case OpWorkFail:
		return h.recvWorkFail(args)
	case OpWorkException:
		return h.recvWorkException(args)
	case OpStatusRes:
		return h.recvStatusRes(args)
	case OpEchoRes, OpOptionRes:
		return nil
	case OpError:
		return newGearmanError("server error: %s: %s", args["error_code"], args["error_text"])
	default:
		return newInvalidClientState("unexpected command %s for a client connection", getCommandName(opcode))
	}
}

func (h *clientCommandHandler) recvJobCreated(args Args) error {
	if len(h.requestsAwaitingHandles) == 0 {
		return newInvalidClientState("received JOB_CREATED with no outstanding submission")
	}

	req := h.requestsAwaitingHandles[0]
	h.requestsAwaitingHandles = h.requestsAwaitingHandles[1:]

	handle := args["job_handle"]
	req.Job.Handle = handle
	req.State = JobCreated
	h.handleToRequestMap[string(handle)] = req

	if req.Background {
		// Background jobs are detached: the server never follows up with
		// WORK_COMPLETE/WORK_FAIL, so JOB_CREATED is itself terminal.
		req.State = JobComplete
	}
	return nil
}

// abandon clears this handler's in-flight tracking after its connection
// has been reset, returning every request that had not yet reached a
// terminal state so the manager can route it to a new connection.
// Requests are reset to JobUnknown since the handle (if any) was assigned
// by the server that just disappeared.
func (h *clientCommandHandler) abandon() []*JobRequest {
	var retryable []*JobRequest

	for _, req := range h.requestsAwaitingHandles {
		if !req.Complete() {
			req.State = JobUnknown
			retryable = append(retryable, req)
		}
	}
	for _, req := range h.handleToRequestMap {
		if !req.Complete() {
			req.State = JobUnknown
			req.Job.Handle = nil
			retryable = append(retryable, req)
		}
	}

	h.requestsAwaitingHandles = nil
	h.handleToRequestMap = make(map[string]*JobRequest)
	return retryable
}

func (h *clientCommandHandler) lookupRequest(handle []byte) (*JobRequest, error) {
	req, ok := h.handleToRequestMap[string(handle)]
	if !ok {
		return nil, newInvalidClientState("received update for unknown job handle %q", handle)
	}
	return req, nil
}

func (h *clientCommandHandler) recvWorkUpdate(args Args, warning bool) error {
	req, err := h.lookupRequest(args["job_handle"])
	if err != nil {
		return err
	}
	if req.State != JobCreated {
		return newInvalidClientState("received work update for job %q in state %s, expected CREATED", args["job_handle"], req.State)
	}
	if warning {
		req.WarningUpdates.push(args["data"])
	} else {
		req.DataUpdates.push(args["data"])
	}
	return nil
}

func (h *clientCommandHandler) recvWorkStatus(args Args) error {
	req, err := h.lookupRequest(args["job_handle"])
	if err != nil {
		return err
	}
	if req.State != JobCreated {
		return newInvalidClientState("received WORK_STATUS for job %q in state %s, expected CREATED", args["job_handle"], req.State)
	}
	n, _ := strconv.Atoi(string(args["numerator"]))
	d, _ := strconv.Atoi(string(args["denominator"]))
	req.Status = JobStatus{Handle: args["job_handle"], Known: true, Running: true, Numerator: n, Denominator: d, TimeReceived: time.Now()}
	req.HasStatus = true
	return nil
}

func (h *clientCommandHandler) recvWorkComplete(args Args) error {
	req, err := h.lookupRequest(args["job_handle"])
	if err != nil {
		return err
	}
	if req.State != JobCreated {
		return newInvalidClientState("received WORK_COMPLETE for job %q in state %s, expected CREATED", args["job_handle"], req.State)
	}
	req.Result = h.decodeData(args["data"])
	req.HasResult = true
	req.State = JobComplete
	delete(h.handleToRequestMap, string(args["job_handle"]))
	return nil
}

func (h *clientCommandHandler) recvWorkFail(args Args) error {
	req, err := h.lookupRequest(args["job_handle"])
	if err != nil {
		return err
	}
	if req.State != JobCreated {
		return newInvalidClientState("received WORK_FAIL for job %q in state %s, expected CREATED", args["job_handle"], req.State)
	}
	req.State = JobFailed
	return nil
}

func (h *clientCommandHandler) recvWorkException(args Args) error {
	req, err := h.lookupRequest(args["job_handle"])
	if err != nil {
		return err
	}
	req.Result = args["data"]
	req.State = JobFailed
	return nil
}

func (h *clientCommandHandler) recvStatusRes(args Args) error {
	req, err := h.lookupRequest(args["job_handle"])
	if err != nil {
		return err
	}
	n, _ := strconv.Atoi(string(args["numerator"]))
	d, _ := strconv.Atoi(string(args["denominator"]))
	req.Status = JobStatus{
		Handle:       args["job_handle"],
		Known:        string(args["known"]) == "1",
		Running:      string(args["running"]) == "1",
		Numerator:    n,
		Denominator:  d,
		TimeReceived: time.Now(),
	}
	req.HasStatus = true
	return nil
}
