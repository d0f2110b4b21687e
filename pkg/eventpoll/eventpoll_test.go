package eventpoll

import (
	"testing"
	"time"
)

func TestPollAddWaitDelRoundTrip(t *testing.T) {
	p := PollNew()
	ready := make(chan struct{}, 1)
	fd := p.PollAdd("descriptor", DirIn, ready)

	ready <- struct{}{}
	got := p.PollWait(4, nil)
	if len(got) != 1 || got[0] != fd {
		t.Fatalf("PollWait() = %v, want [%d]", got, fd)
	}

	if err := p.PollDel(fd, DirIn); err != nil {
		t.Fatalf("PollDel failed: %v", err)
	}
	if err := p.PollDel(fd, DirIn); err != ErrUnknownFD {
		t.Errorf("second PollDel: expected ErrUnknownFD, got %v", err)
	}
}

func TestPollModifyUnknownFD(t *testing.T) {
	p := PollNew()
	if err := p.PollModify(FD(999), DirOut); err != ErrUnknownFD {
		t.Errorf("expected ErrUnknownFD, got %v", err)
	}
}

func TestUserEventWakesPollWait(t *testing.T) {
	p := PollNew()
	done := make(chan []FD, 1)
	go func() {
		done <- p.PollWait(4, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	p.UserEventConsume(FD(7))

	select {
	case got := <-done:
		if len(got) != 1 || got[0] != FD(7) {
			t.Errorf("PollWait() = %v, want [7]", got)
		}
	case <-time.After(time.Second):
		t.Fatal("PollWait did not return after UserEventConsume")
	}
}

func TestPollWaitDrainsMultipleReadyFDs(t *testing.T) {
	p := PollNew()
	readyA := make(chan struct{}, 1)
	readyB := make(chan struct{}, 1)
	fdA := p.PollAdd("a", DirIn, readyA)
	fdB := p.PollAdd("b", DirIn, readyB)

	readyA <- struct{}{}
	readyB <- struct{}{}

	got := p.PollWait(4, nil)
	if len(got) != 2 {
		t.Fatalf("PollWait() returned %d events, want 2: %v", len(got), got)
	}
	seen := map[FD]bool{got[0]: true, got[1]: true}
	if !seen[fdA] || !seen[fdB] {
		t.Errorf("PollWait() = %v, want both %d and %d", got, fdA, fdB)
	}
}

func TestPollWaitRespectsTimeout(t *testing.T) {
	p := PollNew()
	timeout := make(chan struct{})
	close(timeout)

	got := p.PollWait(4, timeout)
	if len(got) != 0 {
		t.Errorf("PollWait() with already-expired timeout = %v, want none", got)
	}
}
