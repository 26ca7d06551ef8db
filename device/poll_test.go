/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"testing"
	"time"
)

func TestEventPollWaitDispatchesFiredHandler(t *testing.T) {
	p := NewEventPoll()
	calls := 0
	p.Register(NewFuncHandler(func(budget time.Duration) (bool, PollAction, error) {
		calls++
		return true, PollContinue, nil
	}))

	fired, action, err := p.Wait()
	assertNil(t, err)
	if !fired {
		t.Fatal("expected Wait to report fired")
	}
	if action != PollContinue {
		t.Fatalf("expected PollContinue, got %v", action)
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
}

func TestEventPollWaitNoHandlersFired(t *testing.T) {
	p := NewEventPoll()
	p.Register(NewFuncHandler(func(budget time.Duration) (bool, PollAction, error) {
		return false, PollContinue, nil
	}))

	fired, action, err := p.Wait()
	assertNil(t, err)
	if fired {
		t.Fatal("expected Wait to report no handler fired")
	}
	if action != PollContinue {
		t.Fatalf("expected PollContinue, got %v", action)
	}
}

func TestEventPollDeregisterStopsDispatch(t *testing.T) {
	p := NewEventPoll()
	calls := 0
	id := p.Register(NewFuncHandler(func(budget time.Duration) (bool, PollAction, error) {
		calls++
		return true, PollContinue, nil
	}))
	p.Deregister(id)

	fired, _, err := p.Wait()
	assertNil(t, err)
	if fired {
		t.Fatal("expected no handler to fire after Deregister")
	}
	if calls != 0 {
		t.Fatalf("expected deregistered handler never to run, ran %d times", calls)
	}
}

func TestNotifyHandlerFiresOnNotify(t *testing.T) {
	n := NewNotifyHandler(func() PollAction { return PollExit })
	fired, _, _ := n.Poll(time.Millisecond)
	if fired {
		t.Fatal("handler should not fire before Notify")
	}

	n.Notify()
	fired, action, err := n.Poll(time.Second)
	assertNil(t, err)
	if !fired {
		t.Fatal("expected handler to fire after Notify")
	}
	if action != PollExit {
		t.Fatalf("expected PollExit, got %v", action)
	}
}

func TestBroadcastHandlerWakesEveryPoller(t *testing.T) {
	b := NewBroadcastHandler(func() PollAction { return PollExit })

	const numWorkers = 4
	fired := make(chan bool, numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			f, action, _ := b.Poll(time.Second)
			fired <- f && action == PollExit
		}()
	}

	// Give every goroutine a chance to block inside Poll before closing,
	// the same way Close races against however many workers are already
	// mid-sweep when a real device shuts down.
	time.Sleep(10 * time.Millisecond)
	b.Close()
	b.Close() // must not panic or double-close

	for i := 0; i < numWorkers; i++ {
		select {
		case ok := <-fired:
			if !ok {
				t.Fatal("expected every poller to observe PollExit")
			}
		case <-time.After(time.Second):
			t.Fatal("not every poller woke up after Close")
		}
	}
}

func TestTickerHandlerFiresOnSchedule(t *testing.T) {
	th := NewTickerHandler(5*time.Millisecond, func() PollAction { return PollContinue })
	defer th.Stop()

	fired, _, err := th.Poll(200 * time.Millisecond)
	assertNil(t, err)
	if !fired {
		t.Fatal("expected ticker handler to fire within its budget")
	}
}
