package reactor

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dbbouncer/dbbouncer/pkg/byterange"
)

// fdStream adapts a raw, already-open file descriptor to the Stream
// interface for tests, mirroring the original's PosixWriter.
type fdStream struct {
	fd int
}

func (s *fdStream) NativeHandle() int { return s.fd }
func (s *fdStream) IsOpen() bool      { return true }

func (s *fdStream) SyncRead(dr byterange.Range) (int, error) {
	for {
		n, err := unix.Read(s.fd, dr.Data())
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return 0, nil
			}
			return 0, err
		}
		return n, nil
	}
}

func (s *fdStream) SyncWrite(dr byterange.ConstRange) (int, error) {
	for {
		n, err := unix.Write(s.fd, dr.Data())
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return 0, nil
			}
			return 0, err
		}
		return n, nil
	}
}

func newPipe(t *testing.T) (readFD, writeFD int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReactorAsyncReadWriteInterleave(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	readFD, writeFD := newPipe(t)
	rs := &fdStream{fd: readFD}
	ws := &fdStream{fd: writeFD}

	want := []byte("hello")
	readBuf := make([]byte, len(want))

	var wg sync.WaitGroup
	wg.Add(2)

	var readErr, writeErr error
	r.AsyncRead(rs, byterange.NewRange(readBuf), func(err error) {
		readErr = err
		wg.Done()
	})
	r.AsyncWrite(ws, byterange.NewConstRange(want), func(err error) {
		writeErr = err
		wg.Done()
	})

	done := make(chan struct{})
	go func() {
		for !r.Empty() {
			r.Run()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not complete pending ops in time")
	}
	wg.Wait()

	if readErr != nil {
		t.Errorf("read callback error: %v", readErr)
	}
	if writeErr != nil {
		t.Errorf("write callback error: %v", writeErr)
	}
	if string(readBuf) != string(want) {
		t.Errorf("readBuf = %q, want %q", readBuf, want)
	}
}

func TestReactorTimerFiresAndCancels(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	fired := false
	r.SetTimer(time.Now().Add(10*time.Millisecond), func() {
		fired = true
	})

	cancelID := r.SetTimer(time.Now().Add(time.Hour), func() {
		t.Error("cancelled timer must not fire")
	})
	r.CancelTimer(cancelID)

	deadline := time.Now().Add(2 * time.Second)
	for !fired && time.Now().Before(deadline) {
		r.Run()
	}

	if !fired {
		t.Fatal("timer did not fire in time")
	}
}

func TestReactorCancelDropsPendingOp(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	readFD, _ := newPipe(t)
	rs := &fdStream{fd: readFD}

	buf := make([]byte, 4)
	called := false
	r.AsyncRead(rs, byterange.NewRange(buf), func(error) {
		called = true
	})

	r.Cancel(rs)

	if r.Empty() == false {
		t.Error("reactor should be empty after cancelling its only pending op")
	}
	if called {
		t.Error("cancelled op's callback must not be invoked by Cancel itself")
	}
}
