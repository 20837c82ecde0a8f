package gearman

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// adminReplyKind classifies how many lines a text-protocol admin command's
// response occupies, per original_source/tests/admin_client_tests.py: most
// commands reply with one line, a few (status, workers, show jobs, show
// unique jobs) reply with a "."-terminated block, and a few documented
// ones (shutdown, getpid, cancel job) never reply at all.
type adminReplyKind int

const (
	adminReplyNone adminReplyKind = iota
	adminReplySingle
	adminReplyMulti
)

// adminPendingCommand is one in-flight request awaiting its reply. done is
// closed once resultLines has been filled. multiWidth, when non-zero, is
// the expected tab-separated field count for a multi-line reply (status:
// 4, show jobs: 4); lines of the wrong width raise ProtocolError per
// spec.md S3 rather than being silently dropped. Replies with no fixed
// tuple shape (workers, show unique jobs) leave it at 0.
type adminPendingCommand struct {
	kind        adminReplyKind
	multiWidth  int
	resultLines []string
	done        chan struct{}
}

// adminCommandHandler drives the admin (text-protocol) side of one
// Connection. Unlike the binary client/worker handlers, commands and
// replies correlate purely by send order: _sentCommands is the FIFO the
// original's AdminClientCommandHandler keeps for exactly that reason.
type adminCommandHandler struct {
	commandHandler

	sentCommands []*adminPendingCommand
	multiBuf     []string
}

func newAdminCommandHandler(conn *Connection, log *logrus.Entry) *adminCommandHandler {
	return &adminCommandHandler{commandHandler: newCommandHandler(conn, log)}
}

// Send queues rawText (without a trailing newline) on the connection and
// returns a pending handle the caller can wait on, unless kind is
// adminReplyNone, in which case nil is returned since nothing will ever
// arrive to fulfill it. multiWidth is ignored unless kind is
// adminReplyMulti; 0 means "no fixed tuple width to enforce".
func (h *adminCommandHandler) Send(rawText string, kind adminReplyKind, multiWidth int) *adminPendingCommand {
	h.conn.SendTextCommand(rawText)
	if kind == adminReplyNone {
		return nil
	}
	pending := &adminPendingCommand{kind: kind, multiWidth: multiWidth, done: make(chan struct{})}
	h.sentCommands = append(h.sentCommands, pending)
	return pending
}

// RecvLine feeds one line (without its trailing newline) read off the
// connection into whichever command is at the front of the FIFO.
func (h *adminCommandHandler) RecvLine(line string) error {
	if len(h.sentCommands) == 0 {
		return newInvalidAdminClientState("received admin reply with no outstanding request")
	}
	pending := h.sentCommands[0]

	switch pending.kind {
	case adminReplySingle:
		pending.resultLines = []string{line}
		h.sentCommands = h.sentCommands[1:]
		close(pending.done)

	case adminReplyMulti:
		if strings.TrimSpace(line) == "." {
			pending.resultLines = h.multiBuf
			h.multiBuf = nil
			h.sentCommands = h.sentCommands[1:]
			close(pending.done)
			return nil
		}
		if pending.multiWidth > 0 {
			fields := strings.Split(line, "\t")
			if len(fields) != pending.multiWidth {
				h.multiBuf = nil
				h.sentCommands = h.sentCommands[1:]
				return newProtocolError("Received %d tokens, expected %d tokens", len(fields), pending.multiWidth)
			}
		}
		h.multiBuf = append(h.multiBuf, line)

	default:
		return newInvalidAdminClientState("front of admin command queue expects no reply")
	}
	return nil
}

// abandon discards in-flight command tracking after the underlying
// connection has been reset. Any waiter blocked on a pending command's
// done channel is left to time out rather than receive a fabricated
// reply, matching ConnectionError's localized-failure handling.
func (h *adminCommandHandler) abandon() {
	h.sentCommands = nil
	h.multiBuf = nil
}
