package gearman

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AdminManager drives the single text-protocol administrative connection
// spec.md §4.D describes. Unlike the client/worker managers it is
// deliberately restricted to one host: the admin channel reports a
// specific server's internal state, so spreading it across a rotating
// candidate list the way ClientManager does would silently report on the
// wrong server.
type AdminManager struct {
	*manager

	conn    *Connection
	handler *adminCommandHandler

	PollTimeout time.Duration
}

// NewAdminManager builds an AdminManager for a single host.
func NewAdminManager(host, keyfile, certfile, caCerts string, log *logrus.Entry) (*AdminManager, error) {
	specs, err := parseHostList([]string{host})
	if err != nil {
		return nil, err
	}
	base, err := newManager(specs, keyfile, certfile, caCerts, log)
	if err != nil {
		return nil, err
	}

	conn := base.Connections[0]
	conn.Textual = true
	if err := conn.Connect(); err != nil {
		return nil, err
	}

	return &AdminManager{
		manager:     base,
		conn:        conn,
		handler:     newAdminCommandHandler(conn, base.log),
		PollTimeout: 2 * time.Second,
	}, nil
}

// wait pumps the event loop until pending resolves or timeout elapses,
// then returns its accumulated reply lines.
func (am *AdminManager) wait(pending *adminPendingCommand, timeout time.Duration) ([]string, error) {
	if pending == nil {
		return nil, nil
	}

	deadline := deadlineFor(timeout)
	for {
		select {
		case <-pending.done:
			return pending.resultLines, nil
		default:
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, newConnectionError("admin command timed out waiting for a reply", nil)
		}

		slice := am.PollTimeout
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < slice {
				slice = remaining
			}
		}
		err := am.pumpOnce(slice, func(conn *Connection, opcode Opcode, args Args) error {
			return am.handler.RecvLine(string(args["raw_text"]))
		}, am.handleConnectionError)
		if err != nil {
			return nil, err
		}
	}
}

// handleConnectionError discards the admin handler's in-flight command
// tracking once its single connection has been reset (spec.md §4.E's
// handle_error contract); any caller blocked in wait() times out against
// its own deadline rather than hanging forever.
func (am *AdminManager) handleConnectionError(conn *Connection) {
	am.handler.abandon()
}

// PingServer verifies the server is responsive by requesting its version
// string and discarding the result.
func (am *AdminManager) PingServer(timeout time.Duration) error {
	_, err := am.GetVersion(timeout)
	return err
}

// GetVersion returns the server's reported version string.
func (am *AdminManager) GetVersion(timeout time.Duration) (string, error) {
	lines, err := am.wait(am.handler.Send("version", adminReplySingle, 0), timeout)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	return lines[0], nil
}

// GetPid requests the server process ID. Per the admin protocol this
// server build implements, GETPID never produces a reply line, so this
// always returns immediately with no error and no value to read.
func (am *AdminManager) GetPid() error {
	am.handler.Send("getpid", adminReplyNone, 0)
	return nil
}

// SendMaxQueue sets function's maximum queue depth. max<0 means
// unlimited.
func (am *AdminManager) SendMaxQueue(function string, max int) (string, error) {
	cmd := fmt.Sprintf("maxqueue %s", function)
	if max >= 0 {
		cmd = fmt.Sprintf("%s %d", cmd, max)
	}
	lines, err := am.wait(am.handler.Send(cmd, adminReplySingle, 0), 0)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	reply := lines[0]
	if reply != "OK" {
		return reply, newProtocolError("maxqueue failed: %s", reply)
	}
	return reply, nil
}

// SendShutdown asks the server to shut down. If graceful, it finishes
// in-flight jobs first; either way the command never replies.
func (am *AdminManager) SendShutdown(graceful bool) {
	if graceful {
		am.handler.Send("shutdown graceful", adminReplyNone, 0)
	} else {
		am.handler.Send("shutdown", adminReplyNone, 0)
	}
}

// CancelJob asks the server to drop a queued job by handle. Like shutdown
// and getpid, cancel job never produces a reply line.
func (am *AdminManager) CancelJob(handle string) {
	am.handler.Send("cancel job "+handle, adminReplyNone, 0)
}

// FunctionStatus is one function's row from GetStatus.
type FunctionStatus struct {
	Name             string
	QueuedJobs       int
	RunningJobs      int
	AvailableWorkers int
}

// GetStatus returns the queued/running/worker-count snapshot for every
// function the server knows about.
func (am *AdminManager) GetStatus(timeout time.Duration) ([]FunctionStatus, error) {
	lines, err := am.wait(am.handler.Send("status", adminReplyMulti, 4), timeout)
	if err != nil {
		return nil, err
	}

	statuses := make([]FunctionStatus, 0, len(lines))
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			continue
		}
		statuses = append(statuses, FunctionStatus{
			Name:             fields[0],
			QueuedJobs:       atoiOrZero(fields[1]),
			RunningJobs:      atoiOrZero(fields[2]),
			AvailableWorkers: atoiOrZero(fields[3]),
		})
	}
	return statuses, nil
}

// WorkerInfo is one worker's row from GetWorkers.
type WorkerInfo struct {
	FileDescriptor string
	IPAddress      string
	ClientID       string
	Abilities      []string
}

// GetWorkers returns every worker currently connected to the server. Each
// line is "fd ip client_id : task task…"; a line missing the literal ":"
// separator in the fourth field is malformed and raises ProtocolError
// rather than being silently skipped.
func (am *AdminManager) GetWorkers(timeout time.Duration) ([]WorkerInfo, error) {
	lines, err := am.wait(am.handler.Send("workers", adminReplyMulti, 0), timeout)
	if err != nil {
		return nil, err
	}

	workers := make([]WorkerInfo, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[3] != ":" {
			return nil, newProtocolError("malformed workers line %q: expected \"fd ip client_id : task...\"", line)
		}
		w := WorkerInfo{FileDescriptor: fields[0], IPAddress: fields[1], ClientID: fields[2]}
		if len(fields) > 4 {
			w.Abilities = fields[4:]
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// GetJobs returns every handle currently queued or running on the
// server.
func (am *AdminManager) GetJobs(timeout time.Duration) ([]string, error) {
	lines, err := am.wait(am.handler.Send("show jobs", adminReplyMulti, 4), timeout)
	return lines, err
}

// GetUniqueJobs returns every distinct unique ID currently tracked by the
// server.
func (am *AdminManager) GetUniqueJobs(timeout time.Duration) ([]string, error) {
	lines, err := am.wait(am.handler.Send("show unique jobs", adminReplyMulti, 0), timeout)
	return lines, err
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
