/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"sync"
	"time"
)

// PollAction is a handler's verdict after running: keep going, or ask the
// calling worker to stand down.
type PollAction int

const (
	PollContinue PollAction = iota
	PollYield
	PollExit
)

// perHandlerBudget bounds how long a single Wait sweep blocks inside any
// one handler before moving to the next, so a quiet UDP socket never
// starves a busy tun device registered alongside it.
const perHandlerBudget = 2 * time.Millisecond

// Handler is one source an EventPoll worker can service: a UDP socket, the
// tun device, a periodic timer, or an in-process notifier. Poll blocks for
// up to budget waiting for this source to have something to do; if it
// does, it services it inline (the actual read, the actual timer fire
// handling) before returning, so the registering package decides what
// "handle this" means without EventPoll ever seeing a packet.
type Handler interface {
	Poll(budget time.Duration) (fired bool, action PollAction, err error)
}

// EventPoll is component C: a handler registry any number of worker
// goroutines can drain concurrently. Each call to Wait tries every
// registered handler for a small time slice, giving the caller frequent
// chances to notice its read guard has been asked to yield and loop back
// to the worker's outer read-lock-then-poll cycle.
type EventPoll struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

func NewEventPoll() *EventPoll {
	return &EventPoll{handlers: make(map[int]Handler)}
}

// Register adds h to the poll set and returns an id Deregister can later
// use to remove it (e.g. when a peer's connected socket is torn down).
func (p *EventPoll) Register(h Handler) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = h
	return id
}

func (p *EventPoll) Deregister(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, id)
}

// Wait services whichever registered handler has work first, returning its
// verdict, or (false, PollContinue, nil) once a full sweep has found
// nothing, so the caller can check whether a writer wants the floor.
func (p *EventPoll) Wait() (fired bool, action PollAction, err error) {
	p.mu.RLock()
	handlers := make([]Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		if f, a, e := h.Poll(perHandlerBudget); f {
			return true, a, e
		}
	}
	return false, PollContinue, nil
}

// TickerHandler adapts a time.Ticker into a Handler that runs fn on every
// tick.
type TickerHandler struct {
	ticker *time.Ticker
	fn     func() PollAction
}

func NewTickerHandler(interval time.Duration, fn func() PollAction) *TickerHandler {
	return &TickerHandler{ticker: time.NewTicker(interval), fn: fn}
}

func (t *TickerHandler) Poll(budget time.Duration) (bool, PollAction, error) {
	select {
	case <-t.ticker.C:
		return true, t.fn(), nil
	case <-time.After(budget):
		return false, PollContinue, nil
	}
}

func (t *TickerHandler) Stop() { t.ticker.Stop() }

// NotifyHandler adapts a one-slot notification channel (closed over by a
// package's own signal, e.g. "exit requested") into a Handler.
type NotifyHandler struct {
	ch chan struct{}
	fn func() PollAction
}

func NewNotifyHandler(fn func() PollAction) *NotifyHandler {
	return &NotifyHandler{ch: make(chan struct{}, 1), fn: fn}
}

func (n *NotifyHandler) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *NotifyHandler) Poll(budget time.Duration) (bool, PollAction, error) {
	select {
	case <-n.ch:
		return true, n.fn(), nil
	case <-time.After(budget):
		return false, PollContinue, nil
	}
}

// BroadcastHandler adapts a channel closed exactly once into a Handler
// every worker observes: unlike NotifyHandler's single-slot channel, which
// only the first worker to poll it ever drains, a closed channel stays
// permanently readable, so every worker's next Poll (and every Poll after
// that) sees it fired. Used for device shutdown, where all numWorkers
// goroutines must return PollExit, not just whichever one happens to poll
// first.
type BroadcastHandler struct {
	ch   chan struct{}
	once sync.Once
	fn   func() PollAction
}

func NewBroadcastHandler(fn func() PollAction) *BroadcastHandler {
	return &BroadcastHandler{ch: make(chan struct{}), fn: fn}
}

// Close fires the broadcast. Safe to call more than once.
func (b *BroadcastHandler) Close() {
	b.once.Do(func() { close(b.ch) })
}

func (b *BroadcastHandler) Poll(budget time.Duration) (bool, PollAction, error) {
	select {
	case <-b.ch:
		return true, b.fn(), nil
	case <-time.After(budget):
		return false, PollContinue, nil
	}
}

// FuncHandler adapts a plain poll function (e.g. a non-blocking UDP read
// with a short deadline) into a Handler.
type FuncHandler struct {
	fn func(budget time.Duration) (bool, PollAction, error)
}

func NewFuncHandler(fn func(budget time.Duration) (bool, PollAction, error)) *FuncHandler {
	return &FuncHandler{fn: fn}
}

func (f *FuncHandler) Poll(budget time.Duration) (bool, PollAction, error) {
	return f.fn(budget)
}
