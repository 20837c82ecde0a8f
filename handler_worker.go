package gearman

import (
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// OptionExceptions is the option name that enables WORK_EXCEPTION
// forwarding for a connection, mirroring the teacher's OptionExceptions
// constant and Client.SetOption("exceptions").
const OptionExceptions = "exceptions"

// JobReporter lets a running ability stream progress back to the job
// server while it works, mirroring the teacher's WorkData/WorkWarning/
// WorkStatus worker methods. Every call is safe from any goroutine; it
// only ever enqueues onto the results channel the owning connection's
// event-loop goroutine drains.
type JobReporter struct {
	handle  []byte
	results chan<- workResult
}

// Status reports fractional progress (WORK_STATUS).
func (r JobReporter) Status(numerator, denominator int) {
	r.results <- workResult{handle: r.handle, kind: workKindStatus, numerator: numerator, denominator: denominator}
}

// Data forwards an intermediate data chunk (WORK_DATA).
func (r JobReporter) Data(data []byte) {
	r.results <- workResult{handle: r.handle, kind: workKindData, data: data}
}

// Warning forwards an intermediate warning (WORK_WARNING).
func (r JobReporter) Warning(data []byte) {
	r.results <- workResult{handle: r.handle, kind: workKindWarning, data: data}
}

// AbilityFunc is a worker's implementation of one registered function
// name. report streams progress back to the server; using it is optional.
// The returned bytes become the WORK_COMPLETE payload. A non-nil error
// becomes WORK_FAIL, unless it is a *WorkException and this connection has
// enabled OptionExceptions, in which case it becomes WORK_EXCEPTION.
type AbilityFunc func(job *Job, report JobReporter) ([]byte, error)

// WorkException is the error an ability returns to request WORK_EXCEPTION
// forwarding instead of a plain WORK_FAIL. It is only honored when the
// connection has negotiated OptionExceptions via SetOption; otherwise it
// degrades to an ordinary WORK_FAIL, which carries only the job handle.
type WorkException struct {
	Data []byte
}

func (e *WorkException) Error() string { return string(e.Data) }

// workResultKind distinguishes the four kinds of update a running ability
// may produce, only one of which (workKindFinal) ends the invocation.
type workResultKind int

const (
	workKindFinal workResultKind = iota
	workKindStatus
	workKindData
	workKindWarning
)

// workResult is one ability invocation's outcome (or intermediate update),
// handed back from whichever pool goroutine produced it to the
// single-threaded event loop that owns the connection's outgoing queue.
type workResult struct {
	handle []byte
	kind   workResultKind
	data   []byte
	err    error

	numerator   int
	denominator int
}

// workerCommandHandler drives the worker side of one Connection: ability
// registration, the PRE_SLEEP/NOOP/GRAB_JOB_UNIQ wakeup cycle, option
// negotiation, and dispatching assigned jobs onto a bounded goroutine pool
// (golang.org/x/sync/errgroup) so one slow job doesn't stall every other
// ability this worker can perform. Only one GRAB_JOB_UNIQ may be
// outstanding at a time (spec.md §4.D), tracked by grabOutstanding.
type workerCommandHandler struct {
	commandHandler

	abilities       map[string]AbilityFunc
	grabOutstanding bool
	asleep          bool
	lastGrabEmpty   bool

	pendingOptions    []string
	exceptionsEnabled bool

	pool    *errgroup.Group
	results chan workResult
}

func newWorkerCommandHandler(conn *Connection, log *logrus.Entry, concurrency int) *workerCommandHandler {
	pool := new(errgroup.Group)
	if concurrency > 0 {
		pool.SetLimit(concurrency)
	}
	return &workerCommandHandler{
		commandHandler: newCommandHandler(conn, log),
		abilities:      make(map[string]AbilityFunc),
		pool:           pool,
		results:        make(chan workResult, 64),
	}
}

// CanDo registers fn as this worker's implementation of taskName.
func (h *workerCommandHandler) CanDo(taskName string, fn AbilityFunc) {
	h.abilities[taskName] = fn
	h.conn.SendCommand(OpCanDo, Args{"task": []byte(taskName)})
}

// CanDoTimeout is CanDo plus a server-enforced execution timeout.
func (h *workerCommandHandler) CanDoTimeout(taskName string, fn AbilityFunc, timeoutSeconds int) {
	h.abilities[taskName] = fn
	h.conn.SendCommand(OpCanDoTimeout, Args{
		"task":    []byte(taskName),
		"timeout": []byte(strconv.Itoa(timeoutSeconds)),
	})
}

// CantDo unregisters a single ability.
func (h *workerCommandHandler) CantDo(taskName string) {
	delete(h.abilities, taskName)
	h.conn.SendCommand(OpCantDo, Args{"task": []byte(taskName)})
}

// ResetAbilities unregisters every ability this worker previously
// advertised.
func (h *workerCommandHandler) ResetAbilities() {
	h.abilities = make(map[string]AbilityFunc)
	h.conn.SendCommand(OpResetAbilities, Args{})
}

// SetClientID tags this connection with id for server-side monitoring.
func (h *workerCommandHandler) SetClientID(id string) {
	h.conn.SendCommand(OpSetClientID, Args{"client_id": []byte(id)})
}

// SetOption requests the server enable option for this connection.
// OPTION_REQ/OPTION_RES correlate by send order, the same way the admin
// channel's text commands do.
func (h *workerCommandHandler) SetOption(option string) {
	h.pendingOptions = append(h.pendingOptions, option)
	h.conn.SendCommand(OpOptionReq, Args{"option_name": []byte(option)})
}

// PreSleep tells the server this worker is about to block waiting for
// work; the server wakes it with NOOP once a matching job arrives.
func (h *workerCommandHandler) PreSleep() {
	h.asleep = true
	h.conn.SendCommand(OpPreSleep, Args{})
}

// GrabJobUniq requests the next available job, if none is already
// outstanding.
func (h *workerCommandHandler) GrabJobUniq() {
	if h.grabOutstanding {
		return
	}
	h.grabOutstanding = true
	h.asleep = false
	h.conn.SendCommand(OpGrabJobUniq, Args{})
}

// RecvCommand dispatches one frame read off the connection.
func (h *workerCommandHandler) RecvCommand(opcode Opcode, args Args) error {
	switch opcode {
	case OpNoop:
		h.asleep = false
		h.lastGrabEmpty = false
		return nil
	case OpNoJob:
		h.grabOutstanding = false
		h.lastGrabEmpty = true
		return nil
	case OpJobAssignUniq:
		return h.recvJobAssign(args)
	case OpOptionRes:
		return h.recvOptionRes(args)
	case OpEchoRes:
		return nil
	case OpError:
		return newGearmanError("server error: %s: %s", args["error_code"], args["error_text"])
	default:
		return newInvalidClientState("unexpected command %s for a worker connection", getCommandName(opcode))
	}
}

func (h *workerCommandHandler) recvOptionRes(args Args) error {
	if len(h.pendingOptions) == 0 {
		return newInvalidClientState("received OPTION_RES with no outstanding OPTION_REQ")
	}
	option := h.pendingOptions[0]
	h.pendingOptions = h.pendingOptions[1:]
	if option == OptionExceptions {
		h.exceptionsEnabled = true
	}
	return nil
}

func (h *workerCommandHandler) recvJobAssign(args Args) error {
	h.grabOutstanding = false
	h.lastGrabEmpty = false

	handle := args["job_handle"]
	taskName := string(args["task"])
	ability, ok := h.abilities[taskName]
	if !ok {
		return newInvalidClientState("assigned job for unregistered ability %q", taskName)
	}

	job := NewJob(h.conn, handle, args["task"], args["unique"], h.decodeData(args["data"]))

	h.pool.Go(func() error {
		report := JobReporter{handle: handle, results: h.results}
		data, err := ability(job, report)
		h.results <- workResult{handle: handle, kind: workKindFinal, data: data, err: err}
		return nil
	})
	return nil
}

// DrainResults flushes every finished (or intermediate) ability update
// onto the connection's outgoing queue as WORK_DATA/WORK_WARNING/
// WORK_STATUS/WORK_COMPLETE/WORK_FAIL/WORK_EXCEPTION. It must only be
// called from the goroutine that owns the connection's event loop.
func (h *workerCommandHandler) DrainResults() {
	for {
		select {
		case res := <-h.results:
			switch res.kind {
			case workKindStatus:
				h.conn.SendCommand(OpWorkStatus, Args{
					"job_handle":  res.handle,
					"numerator":   []byte(strconv.Itoa(res.numerator)),
					"denominator": []byte(strconv.Itoa(res.denominator)),
				})
			case workKindData:
				h.conn.SendCommand(OpWorkData, Args{"job_handle": res.handle, "data": res.data})
			case workKindWarning:
				h.conn.SendCommand(OpWorkWarning, Args{"job_handle": res.handle, "data": res.data})
			default: // workKindFinal
				h.sendFinal(res)
			}
		default:
			return
		}
	}
}

func (h *workerCommandHandler) sendFinal(res workResult) {
	if res.err == nil {
		h.conn.SendCommand(OpWorkComplete, Args{"job_handle": res.handle, "data": h.encodeData(res.data)})
		return
	}

	if exc, ok := res.err.(*WorkException); ok && h.exceptionsEnabled {
		h.conn.SendCommand(OpWorkException, Args{"job_handle": res.handle, "data": exc.Data})
		return
	}
	h.conn.SendCommand(OpWorkFail, Args{"job_handle": res.handle})
}
