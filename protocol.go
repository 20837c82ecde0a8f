package gearman

import (
	"bytes"
	"encoding/binary"
)

// Opcode is a Gearman command identifier. The catalog below is a frozen,
// compile-time table: opcodeTable and opcodeNames are built once from the
// same ordered argument-name lists so packing and parsing can never drift
// out of sync with each other.
type Opcode uint32

const (
	OpCanDo          Opcode = 1
	OpCantDo         Opcode = 2
	OpResetAbilities Opcode = 3
	OpPreSleep       Opcode = 4
	OpNoop           Opcode = 6
	OpSubmitJob      Opcode = 7
	OpJobCreated     Opcode = 8
	OpGrabJob        Opcode = 9
	OpNoJob          Opcode = 10
	OpJobAssign      Opcode = 11
	OpWorkStatus     Opcode = 12
	OpWorkComplete   Opcode = 13
	OpWorkFail       Opcode = 14
	OpGetStatus      Opcode = 15
	OpEchoReq        Opcode = 16
	OpEchoRes        Opcode = 17
	OpSubmitJobBg    Opcode = 18
	OpError          Opcode = 19
	OpStatusRes      Opcode = 20
	OpSubmitJobHigh  Opcode = 21
	OpSetClientID    Opcode = 22
	OpCanDoTimeout   Opcode = 23
	OpAllYours       Opcode = 24
	OpWorkException  Opcode = 25
	OpOptionReq      Opcode = 26
	OpOptionRes      Opcode = 27
	OpWorkData       Opcode = 28
	OpWorkWarning    Opcode = 29
	OpGrabJobUniq    Opcode = 30
	OpJobAssignUniq  Opcode = 31

	OpSubmitJobHighBg Opcode = 32
	OpSubmitJobLow    Opcode = 33
	OpSubmitJobLowBg  Opcode = 34
	OpSubmitJobSched  Opcode = 35
	OpSubmitJobEpoch  Opcode = 36

	// OpTextCommand is synthetic: it never appears on the wire with a
	// binary header. It exists so the admin channel's single line of text
	// can be dispatched through the same recv_command machinery as every
	// binary opcode. pack_binary_command/parse_binary_command both reject
	// it explicitly.
	OpTextCommand Opcode = 0
)

type direction uint8

const (
	dirRequest direction = iota
	dirResponse
)

type roleHint uint8

const (
	roleClient roleHint = iota
	roleWorker
	roleBoth
)

type commandSpec struct {
	name string
	args []string
	dir  direction
	role roleHint
}

// Args carries one parsed or about-to-be-packed command's parameters,
// keyed by the opcode's declared argument names. Values are always raw
// bytes — Go's static typing is what spec.md's "every argument value is a
// byte string" check reduces to here; there is no runtime type tag to
// validate because the map type pins it at compile time.
type Args map[string][]byte

var magicReq = []byte{0, 'R', 'E', 'Q'}
var magicRes = []byte{0, 'R', 'E', 'S'}

const nullChar = 0

var opcodeTable = map[Opcode]commandSpec{
	OpCanDo:          {"CAN_DO", []string{"task"}, dirRequest, roleWorker},
	OpCantDo:         {"CANT_DO", []string{"task"}, dirRequest, roleWorker},
	OpResetAbilities: {"RESET_ABILITIES", nil, dirRequest, roleWorker},
	OpPreSleep:       {"PRE_SLEEP", nil, dirRequest, roleWorker},
	OpNoop:           {"NOOP", nil, dirResponse, roleWorker},
	OpSubmitJob:      {"SUBMIT_JOB", []string{"task", "unique", "data"}, dirRequest, roleClient},
	OpJobCreated:     {"JOB_CREATED", []string{"job_handle"}, dirResponse, roleClient},
	OpGrabJob:        {"GRAB_JOB", nil, dirRequest, roleWorker},
	OpNoJob:          {"NO_JOB", nil, dirResponse, roleWorker},
	OpJobAssign:      {"JOB_ASSIGN", []string{"job_handle", "task", "data"}, dirResponse, roleWorker},
	OpWorkStatus:     {"WORK_STATUS", []string{"job_handle", "numerator", "denominator"}, dirRequest, roleBoth},
	OpWorkComplete:   {"WORK_COMPLETE", []string{"job_handle", "data"}, dirRequest, roleBoth},
	OpWorkFail:       {"WORK_FAIL", []string{"job_handle"}, dirRequest, roleBoth},
	OpGetStatus:      {"GET_STATUS", []string{"job_handle"}, dirRequest, roleClient},
	OpEchoReq:        {"ECHO_REQ", []string{"data"}, dirRequest, roleBoth},
	OpEchoRes:        {"ECHO_RES", []string{"data"}, dirResponse, roleBoth},
	OpSubmitJobBg:    {"SUBMIT_JOB_BG", []string{"task", "unique", "data"}, dirRequest, roleClient},
	OpError:          {"ERROR", []string{"error_code", "error_text"}, dirResponse, roleBoth},
	OpStatusRes:      {"STATUS_RES", []string{"job_handle", "known", "running", "numerator", "denominator"}, dirResponse, roleClient},
	OpSubmitJobHigh:  {"SUBMIT_JOB_HIGH", []string{"task", "unique", "data"}, dirRequest, roleClient},
	OpSetClientID:    {"SET_CLIENT_ID", []string{"client_id"}, dirRequest, roleWorker},
	OpCanDoTimeout:   {"CAN_DO_TIMEOUT", []string{"task", "timeout"}, dirRequest, roleWorker},
	OpAllYours:       {"ALL_YOURS", nil, dirRequest, roleWorker},
	OpWorkException:  {"WORK_EXCEPTION", []string{"job_handle", "data"}, dirRequest, roleBoth},
	OpOptionReq:      {"OPTION_REQ", []string{"option_name"}, dirRequest, roleBoth},
	OpOptionRes:      {"OPTION_RES", []string{"option_name"}, dirResponse, roleBoth},
	OpWorkData:       {"WORK_DATA", []string{"job_handle", "data"}, dirRequest, roleBoth},
	OpWorkWarning:    {"WORK_WARNING", []string{"job_handle", "data"}, dirRequest, roleBoth},
	OpGrabJobUniq:    {"GRAB_JOB_UNIQ", nil, dirRequest, roleWorker},
	OpJobAssignUniq:  {"JOB_ASSIGN_UNIQ", []string{"job_handle", "task", "unique", "data"}, dirResponse, roleWorker},

	OpSubmitJobHighBg: {"SUBMIT_JOB_HIGH_BG", []string{"task", "unique", "data"}, dirRequest, roleClient},
	OpSubmitJobLow:    {"SUBMIT_JOB_LOW", []string{"task", "unique", "data"}, dirRequest, roleClient},
	OpSubmitJobLowBg:  {"SUBMIT_JOB_LOW_BG", []string{"task", "unique", "data"}, dirRequest, roleClient},
	OpSubmitJobSched:  {"SUBMIT_JOB_SCHED", []string{"task", "unique", "minute", "hour", "day", "month", "dow", "data"}, dirRequest, roleClient},
	OpSubmitJobEpoch:  {"SUBMIT_JOB_EPOCH", []string{"task", "unique", "epoch", "data"}, dirRequest, roleClient},
}

var opcodeNames = buildOpcodeNames()

func buildOpcodeNames() map[Opcode]string {
	names := make(map[Opcode]string, len(opcodeTable)+1)
	for op, spec := range opcodeTable {
		names[op] = spec.name
	}
	names[OpTextCommand] = "TEXT_COMMAND"
	return names
}

// getCommandName returns the diagnostic name for an opcode, or "UNKNOWN"
// for values outside the catalog.
func getCommandName(op Opcode) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}

// Priority mirrors the three Gearman job priority levels.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityHigh
)

// submitOpcodeFor picks the SUBMIT_JOB* opcode for a (background, priority)
// pair, per spec.md §6's "SUBMIT_JOB variants select (background ×
// priority) deterministically".
func submitOpcodeFor(background bool, priority Priority) Opcode {
	switch {
	case !background && priority == PriorityNone:
		return OpSubmitJob
	case !background && priority == PriorityLow:
		return OpSubmitJobLow
	case !background && priority == PriorityHigh:
		return OpSubmitJobHigh
	case background && priority == PriorityNone:
		return OpSubmitJobBg
	case background && priority == PriorityLow:
		return OpSubmitJobLowBg
	default:
		return OpSubmitJobHighBg
	}
}

// parseBinaryCommand consumes the longest prefix of buf that forms one
// complete binary frame. It returns (0, nil, 0, nil) when buf does not yet
// hold enough bytes for a complete frame — the caller should wait for more
// data rather than treat that as an error.
func parseBinaryCommand(buf []byte, isResponse bool) (Opcode, Args, int, error) {
	if len(buf) < 12 {
		return 0, nil, 0, nil
	}

	magic := buf[0:4]
	isReqMagic := bytes.Equal(magic, magicReq)
	isResMagic := bytes.Equal(magic, magicRes)

	if !isReqMagic && !isResMagic {
		return 0, nil, 0, newProtocolError("bad magic value %v", magic)
	}
	if isResponse && !isResMagic {
		return 0, nil, 0, newProtocolError("expected response magic, got request magic")
	}
	if !isResponse && !isReqMagic {
		return 0, nil, 0, newProtocolError("expected request magic, got response magic")
	}

	opcode := Opcode(binary.BigEndian.Uint32(buf[4:8]))
	size := binary.BigEndian.Uint32(buf[8:12])

	if len(buf) < 12+int(size) {
		return 0, nil, 0, nil
	}

	if opcode == OpTextCommand {
		return 0, nil, 0, newProtocolError("opcode %d is the synthetic text-command channel, not a binary command", opcode)
	}

	spec, ok := opcodeTable[opcode]
	if !ok {
		return 0, nil, 0, newProtocolError("unknown opcode %d", opcode)
	}

	payload := buf[12 : 12+int(size)]
	args, err := splitArgs(spec, payload)
	if err != nil {
		return 0, nil, 0, err
	}

	return opcode, args, 12 + int(size), nil
}

func splitArgs(spec commandSpec, payload []byte) (Args, error) {
	if len(spec.args) == 0 {
		if len(payload) != 0 {
			return nil, newProtocolError("%s takes no arguments, got %d byte payload", spec.name, len(payload))
		}
		return Args{}, nil
	}

	parts := bytes.SplitN(payload, []byte{nullChar}, len(spec.args))
	if len(parts) < len(spec.args) {
		return nil, newProtocolError("%s expected %d argument(s), got %d", spec.name, len(spec.args), len(parts))
	}

	args := make(Args, len(spec.args))
	for i, name := range spec.args {
		args[name] = parts[i]
	}
	return args, nil
}

// packBinaryCommand validates opcode/args against the frozen catalog and
// serializes them into one complete binary frame.
func packBinaryCommand(opcode Opcode, args Args, isResponse bool) ([]byte, error) {
	if opcode == OpTextCommand {
		return nil, newProtocolError("opcode %d is the synthetic text-command channel, not a binary command", opcode)
	}

	spec, ok := opcodeTable[opcode]
	if !ok {
		return nil, newProtocolError("unknown opcode %d", opcode)
	}

	if len(args) != len(spec.args) {
		return nil, newProtocolError("%s expected %d argument(s), got %d", spec.name, len(spec.args), len(args))
	}

	values := make([][]byte, len(spec.args))
	for i, name := range spec.args {
		v, ok := args[name]
		if !ok {
			return nil, newProtocolError("%s missing argument %q", spec.name, name)
		}
		if i < len(spec.args)-1 && bytes.IndexByte(v, nullChar) >= 0 {
			return nil, newProtocolError("%s argument %q may not contain a NUL byte", spec.name, name)
		}
		values[i] = v
	}
	for name := range args {
		if _, ok := spec.argIndex(name); !ok {
			return nil, newProtocolError("%s received unexpected argument %q", spec.name, name)
		}
	}

	payload := bytes.Join(values, []byte{nullChar})

	magic := magicReq
	if isResponse {
		magic = magicRes
	}

	buf := make([]byte, 0, 12+len(payload))
	buf = append(buf, magic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(opcode))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

func (s commandSpec) argIndex(name string) (int, bool) {
	for i, n := range s.args {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// parseTextCommand consumes up to and including the first '\n' in buf. It
// returns (nil, 0, nil) when no newline has arrived yet.
func parseTextCommand(buf []byte) (map[string]string, int, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, 0, nil
	}

	line := buf[:idx]
	if bytes.IndexByte(line, 0) >= 0 {
		return nil, 0, newProtocolError("text command line contains a NUL byte")
	}

	return map[string]string{"raw_text": string(bytes.TrimRight(line, "\r"))}, idx + 1, nil
}

// packTextCommand returns rawText unchanged; the caller
// (Connection.SendCommandsToBuffer) is responsible for appending the
// trailing newline.
func packTextCommand(rawText string) string {
	return rawText
}
