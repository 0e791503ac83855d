// Package concurrency provides the goroutine-rendezvous primitive
// coroutines are built on: exactly one goroutine runs application
// code at a time, handed the baton over an unbuffered channel pair —
// a job/result channel handoff with exactly one "worker" (the
// coroutine body) and exactly one "job" in flight at a time (a
// resume/yield pair).
package concurrency

import (
	"context"
	"sync"
)

// Job is one handoff of control into a parked goroutine: either the
// arguments of an initial call or the arguments of a resume.
type Job struct {
	Args []interface{}
}

// JobResult is the handoff back out: either a yield's values, a
// normal return, or an error, discriminated by Kind.
type JobResult struct {
	Kind   ResultKind
	Values []interface{}
	Err    error
}

type ResultKind int

const (
	ResultYield ResultKind = iota
	ResultReturn
	ResultError
)

// Rendezvous runs body in its own goroutine and hands control back
// and forth with the caller one Job/JobResult pair at a time. body
// is given a Yield function it calls to hand a JobResult of kind
// ResultYield back to whoever is currently waiting in Resume, and to
// receive the next Job in return once some later Resume delivers one.
//
// Only one side ever runs application code at a time: Resume blocks
// until body either yields or returns, and body's Yield call blocks
// until the next Resume: one channel in, one channel out, no
// buffering on either side.
type Rendezvous struct {
	in     chan Job
	out    chan JobResult
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   bool
}

// NewRendezvous starts body in a parked goroutine. body is not run
// until the first Resume delivers its initial Job.
func NewRendezvous(body func(first Job, yield func(values []interface{}) Job) JobResult) *Rendezvous {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Rendezvous{
		in:     make(chan Job),
		out:    make(chan JobResult),
		ctx:    ctx,
		cancel: cancel,
	}
	go func() {
		first := <-r.in
		result := body(first, r.yield)
		select {
		case r.out <- result:
		case <-r.ctx.Done():
		}
	}()
	return r
}

// yield is handed to body as its Yield callback: publish a
// ResultYield JobResult and block for the next Job.
func (r *Rendezvous) yield(values []interface{}) Job {
	select {
	case r.out <- JobResult{Kind: ResultYield, Values: values}:
	case <-r.ctx.Done():
		return Job{}
	}
	select {
	case j := <-r.in:
		return j
	case <-r.ctx.Done():
		return Job{}
	}
}

// Resume hands job to the parked goroutine and blocks until it either
// yields, returns, or errors.
func (r *Rendezvous) Resume(job Job) JobResult {
	r.in <- job
	return <-r.out
}

// Close cancels the rendezvous's context, unblocking a goroutine
// parked mid-yield so it can exit; used when a coroutine is GC'd
// while suspended.
func (r *Rendezvous) Close() {
	r.once.Do(r.cancel)
}
