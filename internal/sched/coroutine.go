package sched

import (
	log "github.com/sirupsen/logrus"

	"github.com/james-card/nanoos/internal/msg"
)

// killSignal is panicked inside a process goroutine when the scheduler
// tears it down at a suspension point. The coroutine wrapper recovers it so
// the goroutine unwinds cleanly, running any deferred cleanup on the way
// out.
type killSignal struct{}

// resumeSignal is what the scheduler hands a suspended process. The message
// is non-nil for priority scheduler-originated deliveries; kill requests
// unwinding instead of resumption.
type resumeSignal struct {
	message *msg.Message
	kill    bool
}

// yieldSignal is what a process hands back to the scheduler: either a plain
// suspension or termination with an exit code.
type yieldSignal struct {
	exited   bool
	exitCode int
}

// coroutine is the execution context embedded in each process descriptor: a
// private goroutine stack plus the two rendezvous channels that implement
// explicit yield and targeted resume. Exactly one side runs at a time; the
// unbuffered channels are the handoff points.
type coroutine struct {
	in  chan resumeSignal
	out chan yieldSignal
}

// newCoroutine starts the goroutine for a process. The function does not
// begin executing until the scheduler's first resume.
func newCoroutine(p *Process, fn func(*Process) int) *coroutine {
	co := &coroutine{
		in:  make(chan resumeSignal),
		out: make(chan yieldSignal),
	}
	go func() {
		exitCode := -1
		defer func() {
			if r := recover(); r != nil {
				if _, killed := r.(killSignal); !killed {
					log.Errorf("process %d (%s) panicked: %v", p.id, p.name, r)
				}
			}
			co.out <- yieldSignal{exited: true, exitCode: exitCode}
		}()

		first := <-co.in
		if first.kill {
			return
		}
		exitCode = fn(p)
	}()
	return co
}

// resume transfers control to the process and blocks until it yields or
// exits. Only the scheduler calls this.
func (co *coroutine) resume(m *msg.Message, kill bool) yieldSignal {
	co.in <- resumeSignal{message: m, kill: kill}
	return <-co.out
}

// yield transfers control back to the scheduler and blocks until the next
// resume. The returned message is non-nil when the scheduler delivered a
// priority message directly. Only the owning process calls this.
func (co *coroutine) yield() *msg.Message {
	co.out <- yieldSignal{}
	sig := <-co.in
	if sig.kill {
		panic(killSignal{})
	}
	return sig.message
}
