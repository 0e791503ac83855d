package vm

import (
	"github.com/google/uuid"

	"github.com/CppCXY/lua-rs-sub000/internal/concurrency"
	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

// CoStatus is a coroutine's lifecycle state (spec §3 "Coroutine").
type CoStatus int

const (
	CoSuspended CoStatus = iota
	CoRunning
	CoNormal
	CoDead
)

func (s CoStatus) String() string {
	switch s {
	case CoSuspended:
		return "suspended"
	case CoRunning:
		return "running"
	case CoNormal:
		return "normal"
	default:
		return "dead"
	}
}

// Coroutine is a GC-managed heap object implemented as one parked
// goroutine rendezvousing with whoever calls Resume over an
// unbuffered channel pair (internal/concurrency.Rendezvous) —
// narrowed to exactly one worker and exactly one job in flight, which
// is what gives coroutines their "only one goroutine ever runs Lua
// code at a time" guarantee without an explicit mutex.
type Coroutine struct {
	value.Header

	id     string // debug-only identity (uuid), never language-observable
	vm     *VM
	status CoStatus
	fn     value.Value // initial function; zero Value for the main thread
	parent *Coroutine

	selfHandle    uint32
	hasSelfHandle bool

	callDepth int
	rendez    *concurrency.Rendezvous
	started   bool
	yieldFn   func(values []value.Value) []value.Value

	// errVal/hasErr record an unprotected error that unwound the
	// coroutine's entire call stack, surfaced as resume's (false, err).
	errVal value.Value
	hasErr bool
}

func (c *Coroutine) GCHeader() *value.Header { return &c.Header }

func newCoroutine(v *VM, fn value.Value) *Coroutine {
	return &Coroutine{id: uuid.NewString(), vm: v, status: CoSuspended, fn: fn}
}

// CreateThread allocates a new suspended coroutine whose body is fn
// (spec's `coroutine.create`).
func (v *VM) CreateThread(fn value.Value) value.Value {
	co := newCoroutine(v, fn)
	h := v.allocOrGC(co, 256)
	co.selfHandle, co.hasSelfHandle = h, true
	return value.ThreadHandle(h)
}

func (v *VM) coroutine(val value.Value) *Coroutine {
	return v.Objects.Get(val.Handle()).(*Coroutine)
}

// threadHandle returns co's pool handle, lazily allocating one the
// first time it's asked for (needed for the main thread, which
// CreateThread never runs for).
func (v *VM) threadHandle(co *Coroutine) uint32 {
	if co.hasSelfHandle {
		return co.selfHandle
	}
	h := v.allocOrGC(co, 256)
	co.selfHandle, co.hasSelfHandle = h, true
	return h
}

// ResumeThread implements `coroutine.resume(co, ...)`: install co as
// the running thread, hand args to its parked goroutine (starting it
// on first resume), and block until it yields, returns, or errors.
func (v *VM) ResumeThread(co *Coroutine, args []value.Value) (ok bool, results []value.Value, err error) {
	if co.status == CoDead {
		return false, nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "cannot resume dead coroutine")
	}
	if co.status != CoSuspended {
		return false, nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "cannot resume non-suspended coroutine")
	}

	prev := v.current
	prev.status = CoNormal
	co.parent = prev
	co.status = CoRunning
	v.current = co

	defer func() {
		v.current = prev
		prev.status = CoRunning
	}()

	job := concurrency.Job{Args: valuesToIface(args)}
	if !co.started {
		co.started = true
		co.rendez = concurrency.NewRendezvous(func(first concurrency.Job, yield func([]interface{}) concurrency.Job) concurrency.JobResult {
			return v.runCoroutineBody(co, first, yield)
		})
	}
	res := co.rendez.Resume(job)
	switch res.Kind {
	case concurrency.ResultYield:
		co.status = CoSuspended
		return true, ifaceToValues(res.Values), nil
	case concurrency.ResultReturn:
		co.status = CoDead
		return true, ifaceToValues(res.Values), nil
	default:
		co.status = CoDead
		e, _ := res.Err.(error)
		if e != nil {
			co.errVal, co.hasErr = v.errorValue(e), true
		}
		return false, nil, e
	}
}

// runCoroutineBody is the function run inside the parked goroutine: it
// executes co.fn with the initial resume's arguments to completion,
// calling yield (which blocks until the next Resume) for every
// coroutine.yield encountered via co's yield channel, installed into
// the VM's per-coroutine yield hook for the duration of the call.
func (v *VM) runCoroutineBody(co *Coroutine, first concurrency.Job, yield func([]interface{}) concurrency.Job) concurrency.JobResult {
	co.yieldFn = func(values []value.Value) []value.Value {
		job := yield(valuesToIface(values))
		return ifaceToValues(job.Args)
	}
	args := ifaceToValues(first.Args)
	results, err := v.Call(co.fn, args)
	if err != nil {
		return concurrency.JobResult{Kind: concurrency.ResultError, Err: err}
	}
	return concurrency.JobResult{Kind: concurrency.ResultReturn, Values: valuesToIface(results)}
}

// YieldFromThread implements `coroutine.yield(...)`: hand values back
// to whoever is blocked in ResumeThread and block until the next
// resume delivers the next call's arguments.
func (v *VM) YieldFromThread(co *Coroutine, values []value.Value) []value.Value {
	if co.yieldFn == nil {
		panic(errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to yield from outside a coroutine"))
	}
	return co.yieldFn(values)
}

func valuesToIface(vs []value.Value) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func ifaceToValues(is []interface{}) []value.Value {
	out := make([]value.Value, len(is))
	for i, v := range is {
		out[i] = v.(value.Value)
	}
	return out
}
