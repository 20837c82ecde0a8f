package gearman

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestConnectionError_UnwrapsCause(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := newConnectionError("read failed", cause)

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("expected errors.Is to see through to the wrapped cause")
	}

	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatal("expected errors.As to recover the concrete *ConnectionError")
	}
	if ce.Message != "read failed" {
		t.Fatalf("unexpected message: %q", ce.Message)
	}
}

func TestErrorTypes_ImplementError(t *testing.T) {
	var errs = []error{
		newGearmanError("bad config"),
		newConnectionError("boom", nil),
		newServerUnavailable("no servers"),
		newExceededConnectionAttempts(3),
		newProtocolError("bad frame"),
		newInvalidClientState("bad transition"),
		newInvalidAdminClientState("bad admin transition"),
	}
	for _, e := range errs {
		if e.Error() == "" {
			t.Fatalf("%T: expected non-empty Error() message", e)
		}
	}
}

func TestExceededConnectionAttempts_MessageIncludesCount(t *testing.T) {
	err := newExceededConnectionAttempts(5)
	if !strings.Contains(err.Error(), "5") {
		t.Fatalf("expected the attempt count in the message, got %q", err.Error())
	}
}
