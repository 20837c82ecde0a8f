package gearman

import (
	"crypto/rand"
	"hash/crc32"
	"sync/atomic"
)

// Task is the worker-adjacent client helper described in spec.md §3/§9 and
// original_source/gearman/task.py: a function call plus five optional
// lifecycle hook slices. Hooks are cleared once Complete/Fail fires,
// mirroring the original's delattr in Task._finished (Go has no delattr,
// so the slices are simply set to nil).
type Task struct {
	Func         string
	Arg          []byte
	Unique       string // "-" means "use Arg as the uniqueness source"
	Background   bool
	HighPriority bool
	Timeout      int // seconds; 0 means none
	RetryCount   int

	OnComplete []func(result []byte)
	OnFail     []func()
	OnRetry    []func()
	OnStatus   []func(numerator, denominator int)
	OnPost     []func()

	RetriesDone int
	IsFinished  bool
	Handle      []byte
	Result      []byte

	id uint32
}

// NewTask builds a Task and computes its identity checksum up front, the
// way original_source/gearman/task.py does in __init__.
func NewTask(funcName string, arg []byte, unique string) *Task {
	t := &Task{Func: funcName, Arg: arg, Unique: unique}
	t.id = computeTaskID(funcName, arg, unique)
	return t
}

// ID is the 32-bit checksum identity from original_source/gearman/task.py:
// crc32(func + (unique=="-" ? arg : unique or random)). Duplicate tasks in
// a Taskset merge rather than replicate because they share this ID.
func (t *Task) ID() uint32 { return t.id }

func computeTaskID(funcName string, arg []byte, unique string) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(funcName))
	switch {
	case unique == "-":
		h.Write(arg)
	case unique != "":
		h.Write([]byte(unique))
	default:
		var r [4]byte
		// crypto/rand rather than math/rand: several Taskset-owning
		// goroutines may mint anonymous tasks concurrently, and an
		// unseeded, shared math/rand source would make accidental ID
		// collisions far likelier than they need to be.
		_, _ = rand.Read(r[:])
		h.Write(r[:])
	}
	return h.Sum32()
}

// MergeHooks appends other's five hook slices onto t's, in order — the
// direct translation of Task.merge_hooks.
func (t *Task) MergeHooks(other *Task) {
	t.OnComplete = append(t.OnComplete, other.OnComplete...)
	t.OnFail = append(t.OnFail, other.OnFail...)
	t.OnRetry = append(t.OnRetry, other.OnRetry...)
	t.OnStatus = append(t.OnStatus, other.OnStatus...)
	t.OnPost = append(t.OnPost, other.OnPost...)
}

// Complete fires on_complete then on_post, records the result, and clears
// all hook slices.
func (t *Task) Complete(result []byte) {
	t.Result = result
	for _, fn := range t.OnComplete {
		fn(result)
	}
	t.finished()
}

// Fail fires on_fail then on_post and clears all hook slices.
func (t *Task) Fail() {
	for _, fn := range t.OnFail {
		fn()
	}
	t.finished()
}

// Status fires on_status; it does not end the task's lifecycle.
func (t *Task) Status(numerator, denominator int) {
	for _, fn := range t.OnStatus {
		fn(numerator, denominator)
	}
}

// Retrying fires on_retry; it does not end the task's lifecycle.
func (t *Task) Retrying() {
	t.RetriesDone++
	for _, fn := range t.OnRetry {
		fn()
	}
}

func (t *Task) finished() {
	t.IsFinished = true
	for _, fn := range t.OnPost {
		fn()
	}
	t.OnComplete = nil
	t.OnFail = nil
	t.OnRetry = nil
	t.OnStatus = nil
	t.OnPost = nil
}

// Taskset is an unordered collection of Tasks keyed by their checksum
// identity, with a cancel flag a worker/client loop may observe between
// frames (spec.md §5). Cancelled is an atomic.Bool because Cancel() may be
// called from a goroutine other than the one driving the event loop.
type Taskset struct {
	tasks     map[uint32]*Task
	Handles   map[uint32][]byte
	cancelled atomic.Bool
}

// NewTaskset builds a Taskset from zero or more initial tasks, merging
// hooks for any that collide on ID.
func NewTaskset(tasks ...*Task) *Taskset {
	ts := &Taskset{
		tasks:   make(map[uint32]*Task, len(tasks)),
		Handles: make(map[uint32][]byte),
	}
	for _, t := range tasks {
		ts.Add(t)
	}
	return ts
}

// Add inserts t, merging hooks into any existing task with the same ID
// rather than replacing it.
func (ts *Taskset) Add(t *Task) {
	if existing, ok := ts.tasks[t.ID()]; ok {
		existing.MergeHooks(t)
		return
	}
	ts.tasks[t.ID()] = t
}

// AddTask is a convenience constructor-and-Add.
func (ts *Taskset) AddTask(funcName string, arg []byte, unique string) *Task {
	t := NewTask(funcName, arg, unique)
	ts.Add(t)
	return t
}

// Merge is the original's __or__: tasks with a colliding ID have their
// hooks merged in place; new IDs are copied in directly.
func (ts *Taskset) Merge(other *Taskset) {
	for id, t := range other.tasks {
		if existing, ok := ts.tasks[id]; ok {
			existing.MergeHooks(t)
		} else {
			ts.tasks[id] = t
		}
	}
}

// Cancelled reports whether Cancel has been called, so an in-progress
// worker/client loop can observe it between frames.
func (ts *Taskset) Cancelled() bool { return ts.cancelled.Load() }

// Cancel sets the cancel flag.
func (ts *Taskset) Cancel() { ts.cancelled.Store(true) }

// Len reports how many distinct tasks remain in the set.
func (ts *Taskset) Len() int { return len(ts.tasks) }

// Tasks returns the current tasks, in no particular order.
func (ts *Taskset) Tasks() []*Task {
	out := make([]*Task, 0, len(ts.tasks))
	for _, t := range ts.tasks {
		out = append(out, t)
	}
	return out
}
