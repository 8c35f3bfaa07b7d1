package server

import (
	"errors"
	"sync"

	"github.com/onlinecli/online/internal/protocol"
)

// ErrSessionClosed is the terminal event delivered to waiters when their
// session goes away before the client answers.
var ErrSessionClosed = errors.New("server: session closed")

var errDuplicateRequest = errors.New("server: duplicate request id")

// outcome is the terminal event for one proxied request: either the client's
// response envelope or the reason it will never arrive.
type outcome struct {
	resp *protocol.Response
	err  error
}

// pendingTable correlates in-flight public requests with the response
// envelopes arriving on the control channel. Every waiter sees exactly one
// terminal event: whoever removes the map entry owns the delivery, so a
// response racing a timeout or session close cannot double-fire.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan outcome
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		waiters: make(map[string]chan outcome),
	}
}

// Insert registers a waiter for id and returns the channel its terminal
// event arrives on. The channel is buffered so delivery never blocks.
func (p *pendingTable) Insert(id string) (<-chan outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.waiters[id]; ok {
		return nil, errDuplicateRequest
	}
	ch := make(chan outcome, 1)
	p.waiters[id] = ch
	return ch, nil
}

// Complete resolves id with the client's response. Late responses whose
// waiter is already gone are dropped; the return value reports delivery.
func (p *pendingTable) Complete(id string, resp *protocol.Response) bool {
	ch, ok := p.take(id)
	if !ok {
		return false
	}
	ch <- outcome{resp: resp}
	return true
}

// Fail resolves id with err.
func (p *pendingTable) Fail(id string, err error) bool {
	ch, ok := p.take(id)
	if !ok {
		return false
	}
	ch <- outcome{err: err}
	return true
}

// Remove withdraws the waiter for id without delivering anything. Used when
// the public side gives up (deadline, connection abort) and any matching
// response must be dropped on arrival.
func (p *pendingTable) Remove(id string) bool {
	_, ok := p.take(id)
	return ok
}

// FailAll resolves every outstanding waiter with err and empties the table.
func (p *pendingTable) FailAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan outcome)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome{err: err}
	}
}

// Len reports the number of outstanding waiters.
func (p *pendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

func (p *pendingTable) take(id string) (chan outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	return ch, ok
}
