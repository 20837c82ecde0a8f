package gearman

import (
	"time"

	"github.com/sirupsen/logrus"
)

// WorkerManager is the high-level entry point worker code uses to
// advertise abilities and process jobs, per spec.md §4.D/§9. Unlike
// ClientManager it drives every configured connection simultaneously
// rather than rotating between them: a worker wants to be reachable from
// every job server it's told about, not just one at a time.
type WorkerManager struct {
	*manager

	handlers    map[*Connection]*workerCommandHandler
	concurrency int
	stopped     bool

	PollTimeout time.Duration
}

// NewWorkerManager builds a WorkerManager over hosts and eagerly connects
// to all of them. concurrency bounds how many ability invocations may run
// at once per connection; 0 means unbounded.
func NewWorkerManager(hosts []string, keyfile, certfile, caCerts string, concurrency int, log *logrus.Entry) (*WorkerManager, error) {
	specs, err := parseHostList(hosts)
	if err != nil {
		return nil, err
	}
	base, err := newManager(specs, keyfile, certfile, caCerts, log)
	if err != nil {
		return nil, err
	}

	wm := &WorkerManager{
		manager:     base,
		handlers:    make(map[*Connection]*workerCommandHandler),
		concurrency: concurrency,
		PollTimeout: 2 * time.Second,
	}

	for _, conn := range base.Connections {
		if err := conn.Connect(); err != nil {
			return nil, err
		}
		wm.handlers[conn] = newWorkerCommandHandler(conn, base.log, concurrency)
	}
	return wm, nil
}

// RegisterTask advertises fn as this worker's implementation of taskName
// on every configured connection.
func (wm *WorkerManager) RegisterTask(taskName string, fn AbilityFunc) {
	for _, h := range wm.handlers {
		h.CanDo(taskName, fn)
	}
}

// RegisterTaskTimeout is RegisterTask plus a server-enforced execution
// timeout.
func (wm *WorkerManager) RegisterTaskTimeout(taskName string, fn AbilityFunc, timeoutSeconds int) {
	for _, h := range wm.handlers {
		h.CanDoTimeout(taskName, fn, timeoutSeconds)
	}
}

// UnregisterTask withdraws a previously registered ability from every
// connection.
func (wm *WorkerManager) UnregisterTask(taskName string) {
	for _, h := range wm.handlers {
		h.CantDo(taskName)
	}
}

// SetClientID tags every connection with id for server-side monitoring
// (spec.md's "worker instance identity" note).
func (wm *WorkerManager) SetClientID(id string) {
	for _, h := range wm.handlers {
		h.SetClientID(id)
	}
}

// Stop asks the currently-running Work loop to return once its current
// iteration finishes.
func (wm *WorkerManager) Stop() { wm.stopped = true }

// SetOption requests the server enable option (e.g. OptionExceptions) on
// every connection, mirroring the teacher's Client.SetOption /
// OptionExceptions surface.
func (wm *WorkerManager) SetOption(option string) {
	for _, h := range wm.handlers {
		h.SetOption(option)
	}
}

// handleConnectionError detaches conn's handler after its connection has
// been reset (spec.md §4.E's handle_error contract). Any job the detached
// handler had outstanding is abandoned along with it; the worker simply
// stops servicing that connection until a future reconnect re-registers
// it.
func (wm *WorkerManager) handleConnectionError(conn *Connection) {
	delete(wm.handlers, conn)
}

// Work drives the worker event loop until Stop is called: it keeps at
// most one GRAB_JOB_UNIQ outstanding per awake connection, dispatches
// incoming frames to each connection's handler, and flushes finished
// ability invocations back onto the wire every iteration.
func (wm *WorkerManager) Work() error {
	wm.stopped = false

	for !wm.stopped {
		for _, h := range wm.handlers {
			if !h.grabOutstanding && !h.asleep {
				h.GrabJobUniq()
			}
		}

		err := wm.pumpOnce(wm.PollTimeout, func(conn *Connection, opcode Opcode, args Args) error {
			return wm.handlers[conn].RecvCommand(opcode, args)
		}, wm.handleConnectionError)
		if err != nil {
			return err
		}

		for _, h := range wm.handlers {
			h.DrainResults()
		}

		allIdle := true
		for _, h := range wm.handlers {
			if !h.lastGrabEmpty {
				allIdle = false
				break
			}
		}
		if allIdle {
			for _, h := range wm.handlers {
				if !h.asleep {
					h.PreSleep()
				}
			}
		}
	}
	return nil
}
