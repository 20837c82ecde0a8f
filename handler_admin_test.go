package gearman

import (
	"reflect"
	"testing"
)

func newTestAdminHandler() *adminCommandHandler {
	conn := &Connection{Textual: true}
	return newAdminCommandHandler(conn, nil)
}

// S3: a "status" multi-line reply with two data lines terminated by "."
// yields a two-element result tuple, matching the original's documented
// (task, queued, running, workers) rows.
func TestAdminHandler_StatusMultiLineReply(t *testing.T) {
	h := newTestAdminHandler()
	pending := h.Send("status", adminReplyMulti, 4)

	lines := []string{
		"test_function\t1\t5\t17",
		"another_function\t2\t4\t23",
		".",
	}
	for _, l := range lines {
		if err := h.RecvLine(l); err != nil {
			t.Fatalf("RecvLine(%q) failed: %v", l, err)
		}
	}

	select {
	case <-pending.done:
	default:
		t.Fatal("expected pending.done to be closed after the terminating '.'")
	}

	want := []string{"test_function\t1\t5\t17", "another_function\t2\t4\t23"}
	if !reflect.DeepEqual(pending.resultLines, want) {
		t.Fatalf("resultLines = %v, want %v", pending.resultLines, want)
	}
}

// Popping/reading before the terminating "." must not be possible: the
// pending command's done channel stays open and resultLines stays empty.
func TestAdminHandler_NotReadyBeforeTerminator(t *testing.T) {
	h := newTestAdminHandler()
	pending := h.Send("status", adminReplyMulti, 4)
	if err := h.RecvLine("test_function\t1\t5\t17"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-pending.done:
		t.Fatal("done should not be closed before the terminating '.'")
	default:
	}
}

// A malformed tuple width (3 tokens where 4 are expected, e.g. "show
// jobs") raises ProtocolError citing expected vs received token counts.
func TestAdminHandler_MalformedTupleWidth(t *testing.T) {
	h := newTestAdminHandler()
	h.Send("show jobs", adminReplyMulti, 4)

	err := h.RecvLine("1\t2\t3")
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Message != "Received 3 tokens, expected 4 tokens" {
		t.Fatalf("unexpected message: %q", pe.Message)
	}
}

func TestAdminHandler_SingleLineReply(t *testing.T) {
	h := newTestAdminHandler()
	pending := h.Send("version", adminReplySingle, 0)
	if err := h.RecvLine("OK 1.2.0"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-pending.done:
	default:
		t.Fatal("expected done to be closed after one line")
	}
	if len(pending.resultLines) != 1 || pending.resultLines[0] != "OK 1.2.0" {
		t.Fatalf("unexpected resultLines: %v", pending.resultLines)
	}
}

// A reply line arriving with nothing queued is a state-machine violation.
func TestAdminHandler_ReplyWithNoOutstandingCommand(t *testing.T) {
	h := newTestAdminHandler()
	err := h.RecvLine("unexpected")
	if _, ok := err.(*InvalidAdminClientState); !ok {
		t.Fatalf("expected InvalidAdminClientState, got %v", err)
	}
}

// A no-reply command (shutdown/getpid/cancel job) is not pushed onto the
// FIFO at all, so it never blocks the next command's correlation.
func TestAdminHandler_NoReplyCommandReturnsNilPending(t *testing.T) {
	h := newTestAdminHandler()
	pending := h.Send("shutdown", adminReplyNone, 0)
	if pending != nil {
		t.Fatalf("expected nil pending for a no-reply command, got %+v", pending)
	}
	if len(h.sentCommands) != 0 {
		t.Fatalf("no-reply command must not be queued, got %d entries", len(h.sentCommands))
	}
}

func TestAdminHandler_WorkersReply(t *testing.T) {
	h := newTestAdminHandler()
	pending := h.Send("workers", adminReplyMulti, 0)
	lines := []string{
		"3 127.0.0.1 client1 : reverse uppercase",
		"4 127.0.0.1 client2 :",
		".",
	}
	for _, l := range lines {
		if err := h.RecvLine(l); err != nil {
			t.Fatal(err)
		}
	}
	if len(pending.resultLines) != 2 {
		t.Fatalf("expected 2 worker lines, got %d", len(pending.resultLines))
	}
}
