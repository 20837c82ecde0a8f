package gearman

import "testing"

func newTestClientHandler() *clientCommandHandler {
	conn := &Connection{}
	return newClientCommandHandler(conn, nil)
}

func newPendingRequest(h *clientCommandHandler, background bool, priority Priority) *JobRequest {
	job := NewJob(h.conn, nil, []byte("func"), []byte("uniq"), []byte("payload"))
	req := NewJobRequest(job, priority, background)
	if err := h.SendJobRequest(req); err != nil {
		panic(err)
	}
	return req
}

// S7: feeding JOB_CREATED with no outstanding submission raises
// InvalidClientState.
func TestClientHandler_JobCreatedWithoutSubmission(t *testing.T) {
	h := newTestClientHandler()
	err := h.RecvCommand(OpJobCreated, Args{"job_handle": []byte("H:1")})
	if _, ok := err.(*InvalidClientState); !ok {
		t.Fatalf("expected InvalidClientState, got %v", err)
	}
}

// S6: a background submission reaches COMPLETE immediately on JOB_CREATED,
// with no further WORK_* frames expected.
func TestClientHandler_BackgroundJobCompletesOnJobCreated(t *testing.T) {
	h := newTestClientHandler()
	req := newPendingRequest(h, true, PriorityLow)

	if req.State != JobPending {
		t.Fatalf("expected PENDING after send, got %s", req.State)
	}
	if !req.Background || req.Priority != PriorityLow {
		t.Fatalf("background/priority not preserved")
	}

	if err := h.RecvCommand(OpJobCreated, Args{"job_handle": []byte("H:1")}); err != nil {
		t.Fatal(err)
	}
	if req.State != JobComplete {
		t.Fatalf("expected COMPLETE for background job after JOB_CREATED, got %s", req.State)
	}
	if !req.Complete() {
		t.Fatal("Complete() should report true")
	}
}

// Foreground jobs move PENDING -> CREATED on JOB_CREATED and stay there
// until a WORK_COMPLETE/WORK_FAIL arrives.
func TestClientHandler_ForegroundJobCreatedThenComplete(t *testing.T) {
	h := newTestClientHandler()
	req := newPendingRequest(h, false, PriorityNone)

	if err := h.RecvCommand(OpJobCreated, Args{"job_handle": []byte("H:1")}); err != nil {
		t.Fatal(err)
	}
	if req.State != JobCreated {
		t.Fatalf("expected CREATED, got %s", req.State)
	}
	if string(req.Job.Handle) != "H:1" {
		t.Fatalf("handle not set: %q", req.Job.Handle)
	}

	if err := h.RecvCommand(OpWorkStatus, Args{"job_handle": []byte("H:1"), "numerator": []byte("1"), "denominator": []byte("5")}); err != nil {
		t.Fatal(err)
	}
	if !req.HasStatus || req.Status.Numerator != 1 || req.Status.Denominator != 5 {
		t.Fatalf("work status not applied: %+v", req.Status)
	}

	if err := h.RecvCommand(OpWorkData, Args{"job_handle": []byte("H:1"), "data": []byte("chunk1")}); err != nil {
		t.Fatal(err)
	}
	if req.DataUpdates.len() != 1 {
		t.Fatalf("expected one queued data update, got %d", req.DataUpdates.len())
	}

	if err := h.RecvCommand(OpWorkComplete, Args{"job_handle": []byte("H:1"), "data": []byte("result")}); err != nil {
		t.Fatal(err)
	}
	if req.State != JobComplete || !req.HasResult || string(req.Result) != "result" {
		t.Fatalf("unexpected terminal state: state=%s hasResult=%v result=%q", req.State, req.HasResult, req.Result)
	}
	if _, stillMapped := h.handleToRequestMap["H:1"]; stillMapped {
		t.Fatal("completed request should be removed from handleToRequestMap")
	}
}

func TestClientHandler_WorkFailTransitionsToFailed(t *testing.T) {
	h := newTestClientHandler()
	req := newPendingRequest(h, false, PriorityHigh)
	if err := h.RecvCommand(OpJobCreated, Args{"job_handle": []byte("H:9")}); err != nil {
		t.Fatal(err)
	}
	if err := h.RecvCommand(OpWorkFail, Args{"job_handle": []byte("H:9")}); err != nil {
		t.Fatal(err)
	}
	if req.State != JobFailed {
		t.Fatalf("expected FAILED, got %s", req.State)
	}
	if req.HasResult {
		t.Fatal("a failed request must not carry a result")
	}
}

// Updates for an unknown handle are a protocol/state violation.
func TestClientHandler_UpdateForUnknownHandle(t *testing.T) {
	h := newTestClientHandler()
	err := h.RecvCommand(OpWorkComplete, Args{"job_handle": []byte("ghost"), "data": []byte("x")})
	if _, ok := err.(*InvalidClientState); !ok {
		t.Fatalf("expected InvalidClientState, got %v", err)
	}
}

// STATUS_RES (from an explicit GET_STATUS poll) is acceptable in any
// post-PENDING state and populates the status snapshot.
func TestClientHandler_StatusRes(t *testing.T) {
	h := newTestClientHandler()
	req := newPendingRequest(h, false, PriorityNone)
	if err := h.RecvCommand(OpJobCreated, Args{"job_handle": []byte("H:5")}); err != nil {
		t.Fatal(err)
	}

	err := h.RecvCommand(OpStatusRes, Args{
		"job_handle":  []byte("H:5"),
		"known":       []byte("1"),
		"running":     []byte("1"),
		"numerator":   []byte("3"),
		"denominator": []byte("10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !req.HasStatus || !req.Status.Known || !req.Status.Running || req.Status.Numerator != 3 || req.Status.Denominator != 10 {
		t.Fatalf("status not applied correctly: %+v", req.Status)
	}
	if req.Status.TimeReceived.IsZero() {
		t.Fatal("time_received should be populated")
	}
}

func TestClientHandler_ServerErrorSurfaced(t *testing.T) {
	h := newTestClientHandler()
	err := h.RecvCommand(OpError, Args{"error_code": []byte("42"), "error_text": []byte("boom")})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestClientHandler_UnexpectedOpcodeForRole(t *testing.T) {
	h := newTestClientHandler()
	err := h.RecvCommand(OpGrabJobUniq, Args{})
	if _, ok := err.(*InvalidClientState); !ok {
		t.Fatalf("expected InvalidClientState, got %v", err)
	}
}

// JobRequest invariant: Reset() returns a request to its pristine state so
// it can be re-driven through another priority/background combination.
func TestJobRequest_Reset(t *testing.T) {
	h := newTestClientHandler()
	req := newPendingRequest(h, false, PriorityNone)
	_ = h.RecvCommand(OpJobCreated, Args{"job_handle": []byte("H:1")})
	_ = h.RecvCommand(OpWorkComplete, Args{"job_handle": []byte("H:1"), "data": []byte("r")})

	req.Reset()
	if req.State != JobUnknown || req.HasResult || req.HasStatus || req.ConnectionAttempts != 0 {
		t.Fatalf("Reset left stale state: %+v", req)
	}
}
