// Package reactor implements a single-threaded, poll-based event loop for
// asynchronous reads, writes, and timers on raw file descriptors. It is
// grounded on mongo::executor::PollReactor
// (original_source/src/mongo/executor/poll_reactor.{h,cpp}): one goroutine
// calls Run in a loop; every other goroutine only ever mutates the reactor's
// state through ensureNoPoll, which interrupts an in-flight Poll via a
// self-pipe so the mutation is never racing the poll(2) call.
package reactor

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dbbouncer/dbbouncer/pkg/byterange"
)

// Stream is anything the reactor can drive asynchronous reads and writes
// against. SyncRead/SyncWrite are expected to be non-blocking best-effort
// attempts: they return (0, nil) rather than blocking when no data is
// currently available, mirroring the POSIX read/write semantics the
// original PosixWriter relies on.
type Stream interface {
	NativeHandle() int
	SyncRead(dr byterange.Range) (int, error)
	SyncWrite(dr byterange.ConstRange) (int, error)
	IsOpen() bool
}

type readOp struct {
	cursor *byterange.Cursor
	cb     func(error)
}

type writeOp struct {
	cursor *byterange.ConstCursor
	cb     func(error)
}

// op tracks the pending work for a single stream, and its slot in pfds.
type op struct {
	idx      int
	stream   Stream
	readOp   *readOp
	writeOp  *writeOp
}

type timer struct {
	id         uint64
	expiration time.Time
	callback   func()
	index      int // heap.Interface bookkeeping
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiration.Before(h[j].expiration) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

const controlFD = 0

// selfPipeStream wraps the reactor's wakeup pipe as a Stream so it occupies
// slot 0 in pfds, exactly as the control descriptor does in the original.
type selfPipeStream struct {
	readFD int
}

func (s *selfPipeStream) NativeHandle() int { return s.readFD }
func (s *selfPipeStream) IsOpen() bool      { return true }

func (s *selfPipeStream) SyncRead(dr byterange.Range) (int, error) {
	for {
		n, err := unix.Read(s.readFD, dr.Data())
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return 0, err
		}
		return n, nil
	}
}

func (s *selfPipeStream) SyncWrite(byterange.ConstRange) (int, error) {
	return 0, fmt.Errorf("reactor: control pipe is read-only")
}

// Reactor drives asynchronous I/O and timers for one process. A single
// goroutine should call Run repeatedly; every other method may be called
// from any goroutine.
type Reactor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	pipeR  int
	pipeW  int
	controlByte [1]byte
	control     *selfPipeStream

	inPoll   bool
	requests int

	pfds    []unix.PollFd
	opForFD []*op
	ops     map[Stream]*op

	timerCounter uint64
	activeTimers map[uint64]*timer
	timers       timerHeap

	log *slog.Logger
}

// New creates a Reactor with its control pipe open and armed. Callers must
// arrange for Run to be called from a single dedicated goroutine.
func New(log *slog.Logger) (*Reactor, error) {
	if log == nil {
		log = slog.Default()
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("reactor: creating control pipe: %w", err)
	}

	r := &Reactor{
		pipeR:        fds[0],
		pipeW:        fds[1],
		ops:          make(map[Stream]*op),
		activeTimers: make(map[uint64]*timer),
		log:          log,
	}
	r.cond = sync.NewCond(&r.mu)
	r.control = &selfPipeStream{readFD: r.pipeR}

	controlOp := &op{idx: 0, stream: r.control}
	controlOp.readOp = &readOp{
		cursor: byterange.NewCursor(r.controlByte[:]),
		cb:     func(error) {},
	}
	r.ops[r.control] = controlOp
	r.opForFD = append(r.opForFD, controlOp)
	r.pfds = append(r.pfds, unix.PollFd{Fd: int32(r.pipeR), Events: unix.POLLIN | unix.POLLERR | unix.POLLHUP})

	return r, nil
}

// Close releases the control pipe. The reactor must not be used afterward.
func (r *Reactor) Close() error {
	unix.Close(r.pipeR)
	unix.Close(r.pipeW)
	return nil
}

// ensureNoPoll runs cb with the reactor mutex held, first kicking any
// in-flight Poll via the self-pipe and waiting for it to return so that cb
// never races a call to unix.Poll over the same pfds slice.
func (r *Reactor) ensureNoPoll(cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests++

	if r.inPoll {
		byte1 := []byte{1}
		for {
			r.mu.Unlock()
			n, err := unix.Write(r.pipeW, byte1)
			r.mu.Lock()

			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					continue
				}
			}
			_ = n
			break
		}

		for r.inPoll {
			r.cond.Wait()
		}
	}

	cb()

	r.requests--
	r.cond.Signal()
}

func (r *Reactor) findOrAddOp(stream Stream) *op {
	if o, ok := r.ops[stream]; ok {
		return o
	}

	o := &op{idx: len(r.opForFD), stream: stream}
	r.ops[stream] = o
	r.opForFD = append(r.opForFD, o)
	r.pfds = append(r.pfds, unix.PollFd{
		Fd:     int32(stream.NativeHandle()),
		Events: unix.POLLERR | unix.POLLHUP,
	})
	return o
}

// AsyncRead arranges for dr to be filled from stream, invoking cb exactly
// once with the terminal error (nil on success) once dr is exhausted or the
// stream reports an error. Only one outstanding read per stream is allowed.
func (r *Reactor) AsyncRead(stream Stream, dr byterange.Range, cb func(error)) {
	r.ensureNoPoll(func() {
		o := r.findOrAddOp(stream)
		if o.readOp != nil {
			panic("reactor: AsyncRead called with a read already pending on this stream")
		}
		o.readOp = &readOp{cursor: byterange.NewCursor(dr.Data()), cb: cb}
		r.pfds[o.idx].Events |= unix.POLLIN
	})
}

// AsyncWrite arranges for dr to be drained onto stream, invoking cb exactly
// once with the terminal error once dr is exhausted or the stream reports an
// error. Only one outstanding write per stream is allowed.
func (r *Reactor) AsyncWrite(stream Stream, dr byterange.ConstRange, cb func(error)) {
	r.ensureNoPoll(func() {
		o := r.findOrAddOp(stream)
		if o.writeOp != nil {
			panic("reactor: AsyncWrite called with a write already pending on this stream")
		}
		o.writeOp = &writeOp{cursor: byterange.NewConstCursor(dr.Data()), cb: cb}
		r.pfds[o.idx].Events |= unix.POLLOUT
	})
}

// Cancel drops any pending read/write registered for stream without invoking
// their callbacks; callers that need the callback invoked should do so
// themselves before calling Cancel.
func (r *Reactor) Cancel(stream Stream) {
	r.ensureNoPoll(func() {
		if o, ok := r.ops[stream]; ok {
			r.removeIdx(o.idx)
		}
	})
}

// SetTimer schedules callback to run (from the Run goroutine) no earlier
// than expiration, returning an id usable with CancelTimer.
func (r *Reactor) SetTimer(expiration time.Time, callback func()) uint64 {
	var id uint64
	r.ensureNoPoll(func() {
		id = r.timerCounter
		r.timerCounter++
		t := &timer{id: id, expiration: expiration, callback: callback}
		r.activeTimers[id] = t
		heap.Push(&r.timers, t)
	})
	return id
}

// CancelTimer prevents a previously scheduled timer from firing, if it
// hasn't already.
func (r *Reactor) CancelTimer(id uint64) {
	r.ensureNoPoll(func() {
		delete(r.activeTimers, id)
	})
}

// removeIdx swaps idx with the last slot and pops it, matching the
// swap-and-pop the original uses to keep pfds/opForFD dense without
// shifting every subsequent entry.
func (r *Reactor) removeIdx(idx int) {
	endIdx := len(r.pfds) - 1

	if idx != endIdx {
		r.pfds[idx], r.pfds[endIdx] = r.pfds[endIdx], r.pfds[idx]
		r.opForFD[idx].idx, r.opForFD[endIdx].idx = r.opForFD[endIdx].idx, r.opForFD[idx].idx
		r.opForFD[idx], r.opForFD[endIdx] = r.opForFD[endIdx], r.opForFD[idx]
	}

	delete(r.ops, r.opForFD[endIdx].stream)

	r.pfds = r.pfds[:endIdx]
	r.opForFD = r.opForFD[:endIdx]

	if len(r.pfds) == 0 {
		panic("reactor: control descriptor must never be removed")
	}
}

// Empty reports whether the reactor has no pending I/O and no active timers
// beyond its own control descriptor, i.e. Run would block forever.
func (r *Reactor) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops) == 1 && len(r.activeTimers) == 0
}

// Stats reports the reactor's current load for metrics collection.
func (r *Reactor) Stats() (pendingOps, activeTimers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops) - 1, len(r.activeTimers)
}

// expireTimers pops every timer whose expiration has passed, appending its
// callback to due. Must be called with mu held.
func (r *Reactor) expireTimers(now time.Time, due *[]func()) {
	for r.timers.Len() > 0 {
		t := r.timers[0]
		if _, active := r.activeTimers[t.id]; !active {
			heap.Pop(&r.timers)
			continue
		}
		if t.expiration.After(now) {
			break
		}
		*due = append(*due, t.callback)
		delete(r.activeTimers, t.id)
		heap.Pop(&r.timers)
	}
}

// Run blocks until there is work to do, services one round of ready
// descriptors and due timers, then returns. Callers typically call Run in a
// tight loop from one dedicated goroutine for the lifetime of the process.
func (r *Reactor) Run() {
	var replies []func()
	var dueTimers []func()

	r.mu.Lock()

	for {
		r.expireTimers(time.Now(), &dueTimers)
		for r.requests != 0 || (len(r.pfds) <= 1 && r.timers.Len() == 0) {
			r.cond.Wait()
			r.expireTimers(time.Now(), &dueTimers)
		}

		timeoutMS := -1
		if r.timers.Len() > 0 {
			d := time.Until(r.timers[0].expiration)
			if d < 0 {
				d = 0
			}
			timeoutMS = int(d.Milliseconds())
		}

		r.inPoll = true
		pfds := r.pfds
		r.mu.Unlock()
		n, err := unix.Poll(pfds, timeoutMS)
		r.mu.Lock()
		r.inPoll = false
		r.cond.Broadcast()

		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			r.log.Error("poll failed", "err", err)
			r.mu.Unlock()
			return
		}

		r.expireTimers(time.Now(), &dueTimers)
		r.serviceReady(n, &replies)
		break
	}

	r.mu.Unlock()

	for _, reply := range replies {
		reply()
	}
	for _, cb := range dueTimers {
		cb()
	}
}

// pendingReply pairs a terminal error with the callback that must receive it,
// deferred until after the reactor mutex is released.
type pendingReply struct {
	err error
	cb  func(error)
}

func (r *Reactor) serviceReady(ready int, out *[]func()) {
	var replies []pendingReply

	for i := len(r.pfds) - 1; i >= 0 && ready > 0; i-- {
		pfd := r.pfds[i]
		o := r.opForFD[i]

		if pfd.Revents&(pfd.Events|unix.POLLERR|unix.POLLHUP) == 0 {
			continue
		}
		ready--

		var stepErr error
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			stepErr = fmt.Errorf("reactor: descriptor reported POLLERR/POLLHUP")
		}

		isControl := o.stream == r.control

		if stepErr == nil && o.readOp != nil && pfd.Revents&unix.POLLIN != 0 {
			n, err := o.stream.SyncRead(o.readOp.cursor.Range())
			if err != nil {
				stepErr = err
			} else if !isControl {
				if advErr := o.readOp.cursor.Advance(n); advErr != nil {
					stepErr = advErr
				} else if o.readOp.cursor.Length() == 0 {
					replies = append(replies, pendingReply{nil, o.readOp.cb})
					o.readOp = nil
				}
			}
		}

		if stepErr == nil && o.writeOp != nil && pfd.Revents&unix.POLLOUT != 0 {
			n, err := o.stream.SyncWrite(o.writeOp.cursor.Range().Const())
			if err != nil {
				stepErr = err
			} else {
				if advErr := o.writeOp.cursor.Advance(n); advErr != nil {
					stepErr = advErr
				} else if o.writeOp.cursor.Length() == 0 {
					replies = append(replies, pendingReply{nil, o.writeOp.cb})
					o.writeOp = nil
				}
			}
		}

		if stepErr != nil {
			if o.readOp != nil {
				replies = append(replies, pendingReply{stepErr, o.readOp.cb})
				o.readOp = nil
			}
			if o.writeOp != nil {
				replies = append(replies, pendingReply{stepErr, o.writeOp.cb})
				o.writeOp = nil
			}
		}

		events := int16(unix.POLLERR | unix.POLLHUP)
		if o.readOp != nil {
			events |= unix.POLLIN
		}
		if o.writeOp != nil {
			events |= unix.POLLOUT
		}
		r.pfds[i].Events = events

		if o.readOp == nil && o.writeOp == nil && !isControl {
			r.removeIdx(i)
		}
	}

	for _, rep := range replies {
		err, cb := rep.err, rep.cb
		*out = append(*out, func() { cb(err) })
	}
}
