package gearman

import (
	"testing"
	"time"
)

func newTestWorkerHandler(concurrency int) *workerCommandHandler {
	conn := &Connection{}
	return newWorkerCommandHandler(conn, nil, concurrency)
}

func TestWorkerHandler_CanDoRegistersAbility(t *testing.T) {
	h := newTestWorkerHandler(0)
	h.CanDo("reverse", func(job *Job, report JobReporter) ([]byte, error) { return nil, nil })

	if _, ok := h.abilities["reverse"]; !ok {
		t.Fatal("expected reverse to be registered")
	}
	if len(h.conn.outgoingCommands) != 1 || h.conn.outgoingCommands[0].opcode != OpCanDo {
		t.Fatalf("expected a queued CAN_DO command, got %+v", h.conn.outgoingCommands)
	}
}

func TestWorkerHandler_CantDoUnregisters(t *testing.T) {
	h := newTestWorkerHandler(0)
	h.CanDo("reverse", func(job *Job, report JobReporter) ([]byte, error) { return nil, nil })
	h.CantDo("reverse")
	if _, ok := h.abilities["reverse"]; ok {
		t.Fatal("expected reverse to be unregistered")
	}
}

func TestWorkerHandler_ResetAbilitiesClearsAll(t *testing.T) {
	h := newTestWorkerHandler(0)
	h.CanDo("a", func(job *Job, report JobReporter) ([]byte, error) { return nil, nil })
	h.CanDo("b", func(job *Job, report JobReporter) ([]byte, error) { return nil, nil })
	h.ResetAbilities()
	if len(h.abilities) != 0 {
		t.Fatalf("expected no abilities after reset, got %d", len(h.abilities))
	}
}

// At most one GRAB_JOB_UNIQ may be outstanding at a time per connection.
func TestWorkerHandler_GrabJobUniqOnlyOneOutstanding(t *testing.T) {
	h := newTestWorkerHandler(0)
	h.GrabJobUniq()
	if !h.grabOutstanding {
		t.Fatal("expected grabOutstanding=true after GrabJobUniq")
	}
	queuedBefore := len(h.conn.outgoingCommands)

	h.GrabJobUniq() // should be a no-op
	if len(h.conn.outgoingCommands) != queuedBefore {
		t.Fatal("a second GrabJobUniq while one is outstanding must not queue another GRAB_JOB_UNIQ")
	}
}

func TestWorkerHandler_NoJobResets(t *testing.T) {
	h := newTestWorkerHandler(0)
	h.GrabJobUniq()
	if err := h.RecvCommand(OpNoJob, Args{}); err != nil {
		t.Fatal(err)
	}
	if h.grabOutstanding {
		t.Fatal("expected grabOutstanding=false after NO_JOB")
	}
	if !h.lastGrabEmpty {
		t.Fatal("expected lastGrabEmpty=true after NO_JOB")
	}
}

func TestWorkerHandler_JobAssignUniqRunsAbilityAndReportsCompletion(t *testing.T) {
	h := newTestWorkerHandler(1)
	h.CanDo("reverse", func(job *Job, report JobReporter) ([]byte, error) {
		out := make([]byte, len(job.Data))
		for i, b := range job.Data {
			out[len(job.Data)-1-i] = b
		}
		return out, nil
	})
	h.GrabJobUniq()

	err := h.RecvCommand(OpJobAssignUniq, Args{
		"job_handle": []byte("H:1"),
		"task":       []byte("reverse"),
		"unique":     []byte("u"),
		"data":       []byte("abc"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.grabOutstanding {
		t.Fatal("expected grabOutstanding=false once a job is assigned")
	}

	baseline := len(h.conn.outgoingCommands) // CAN_DO + GRAB_JOB_UNIQ already queued
	deadline := time.Now().Add(2 * time.Second)
	for len(h.conn.outgoingCommands) == baseline && time.Now().Before(deadline) {
		h.DrainResults()
		time.Sleep(time.Millisecond)
	}

	if len(h.conn.outgoingCommands) != baseline+1 {
		t.Fatalf("expected one new queued command, got %d total (baseline %d)", len(h.conn.outgoingCommands), baseline)
	}
	cmd := h.conn.outgoingCommands[len(h.conn.outgoingCommands)-1]
	if cmd.opcode != OpWorkComplete || string(cmd.args["data"]) != "cba" {
		t.Fatalf("unexpected completion command: %+v", cmd)
	}
}

func TestWorkerHandler_JobAssignForUnregisteredAbility(t *testing.T) {
	h := newTestWorkerHandler(0)
	err := h.RecvCommand(OpJobAssignUniq, Args{
		"job_handle": []byte("H:1"), "task": []byte("unknown"), "unique": []byte("u"), "data": []byte("d"),
	})
	if _, ok := err.(*InvalidClientState); !ok {
		t.Fatalf("expected InvalidClientState, got %v", err)
	}
}

func TestWorkerHandler_JobFailureReportsWorkFail(t *testing.T) {
	h := newTestWorkerHandler(1)
	h.CanDo("always-fails", func(job *Job, report JobReporter) ([]byte, error) {
		return nil, errBoom
	})
	h.GrabJobUniq()
	if err := h.RecvCommand(OpJobAssignUniq, Args{
		"job_handle": []byte("H:2"), "task": []byte("always-fails"), "unique": []byte("u"), "data": []byte("d"),
	}); err != nil {
		t.Fatal(err)
	}

	baseline := len(h.conn.outgoingCommands) // CAN_DO + GRAB_JOB_UNIQ already queued
	deadline := time.Now().Add(2 * time.Second)
	for len(h.conn.outgoingCommands) == baseline && time.Now().Before(deadline) {
		h.DrainResults()
		time.Sleep(time.Millisecond)
	}

	last := h.conn.outgoingCommands[len(h.conn.outgoingCommands)-1]
	if len(h.conn.outgoingCommands) != baseline+1 || last.opcode != OpWorkFail {
		t.Fatalf("expected a queued WORK_FAIL, got %+v", h.conn.outgoingCommands)
	}
}

func TestWorkerHandler_ReporterSendsDataAndWarning(t *testing.T) {
	h := newTestWorkerHandler(1)
	h.CanDo("stream", func(job *Job, report JobReporter) ([]byte, error) {
		report.Data([]byte("chunk1"))
		report.Warning([]byte("careful"))
		report.Status(1, 2)
		return []byte("done"), nil
	})
	h.GrabJobUniq()
	if err := h.RecvCommand(OpJobAssignUniq, Args{
		"job_handle": []byte("H:3"), "task": []byte("stream"), "unique": []byte("u"), "data": []byte("d"),
	}); err != nil {
		t.Fatal(err)
	}

	baseline := len(h.conn.outgoingCommands)
	deadline := time.Now().Add(2 * time.Second)
	for len(h.conn.outgoingCommands) < baseline+4 && time.Now().Before(deadline) {
		h.DrainResults()
		time.Sleep(time.Millisecond)
	}

	got := h.conn.outgoingCommands[baseline:]
	if len(got) != 4 {
		t.Fatalf("expected 4 new queued commands (data, warning, status, complete), got %d: %+v", len(got), got)
	}
	wantOpcodes := []Opcode{OpWorkData, OpWorkWarning, OpWorkStatus, OpWorkComplete}
	for i, cmd := range got {
		if cmd.opcode != wantOpcodes[i] {
			t.Fatalf("command %d: got opcode %s, want %s", i, getCommandName(cmd.opcode), getCommandName(wantOpcodes[i]))
		}
	}
	if string(got[3].args["data"]) != "done" {
		t.Fatalf("unexpected WORK_COMPLETE payload: %+v", got[3])
	}
}

func TestWorkerHandler_WorkExceptionRequiresNegotiatedOption(t *testing.T) {
	h := newTestWorkerHandler(1)
	h.CanDo("explodes", func(job *Job, report JobReporter) ([]byte, error) {
		return nil, &WorkException{Data: []byte("kaboom")}
	})
	h.GrabJobUniq()
	if err := h.RecvCommand(OpJobAssignUniq, Args{
		"job_handle": []byte("H:4"), "task": []byte("explodes"), "unique": []byte("u"), "data": []byte("d"),
	}); err != nil {
		t.Fatal(err)
	}

	baseline := len(h.conn.outgoingCommands)
	deadline := time.Now().Add(2 * time.Second)
	for len(h.conn.outgoingCommands) == baseline && time.Now().Before(deadline) {
		h.DrainResults()
		time.Sleep(time.Millisecond)
	}

	last := h.conn.outgoingCommands[len(h.conn.outgoingCommands)-1]
	if last.opcode != OpWorkFail {
		t.Fatalf("expected WORK_FAIL without negotiated exceptions option, got %+v", last)
	}
}

func TestWorkerHandler_OptionNegotiationEnablesWorkException(t *testing.T) {
	h := newTestWorkerHandler(1)
	h.SetOption(OptionExceptions)
	if len(h.pendingOptions) != 1 || h.conn.outgoingCommands[0].opcode != OpOptionReq {
		t.Fatalf("expected a queued OPTION_REQ, got %+v", h.conn.outgoingCommands)
	}

	if err := h.RecvCommand(OpOptionRes, Args{"option_name": []byte(OptionExceptions)}); err != nil {
		t.Fatal(err)
	}
	if !h.exceptionsEnabled {
		t.Fatal("expected exceptionsEnabled=true after OPTION_RES for the exceptions option")
	}

	h.CanDo("explodes", func(job *Job, report JobReporter) ([]byte, error) {
		return nil, &WorkException{Data: []byte("kaboom")}
	})
	h.GrabJobUniq()
	if err := h.RecvCommand(OpJobAssignUniq, Args{
		"job_handle": []byte("H:5"), "task": []byte("explodes"), "unique": []byte("u"), "data": []byte("d"),
	}); err != nil {
		t.Fatal(err)
	}

	baseline := len(h.conn.outgoingCommands)
	deadline := time.Now().Add(2 * time.Second)
	for len(h.conn.outgoingCommands) == baseline && time.Now().Before(deadline) {
		h.DrainResults()
		time.Sleep(time.Millisecond)
	}

	last := h.conn.outgoingCommands[len(h.conn.outgoingCommands)-1]
	if last.opcode != OpWorkException || string(last.args["data"]) != "kaboom" {
		t.Fatalf("expected WORK_EXCEPTION carrying the exception data, got %+v", last)
	}
}

func TestWorkerHandler_OptionResWithNoOutstandingRequest(t *testing.T) {
	h := newTestWorkerHandler(0)
	err := h.RecvCommand(OpOptionRes, Args{"option_name": []byte(OptionExceptions)})
	if _, ok := err.(*InvalidClientState); !ok {
		t.Fatalf("expected InvalidClientState, got %v", err)
	}
}

var errBoom = &GearmanError{Message: "boom"}
