// Package ingest defines the contract every chat source implements and the
// connection lifecycle shared by all of them. The bus is written purely
// against the Ingestor interface and never inspects platform transports.
package ingest

import (
	"context"
	"sync"

	"chatfuse/internal/chat"
)

// State is the connection state of one ingestor. Each ingestor owns exactly
// one state value at a time.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// StateChange is broadcast on every transition.
type StateChange struct {
	Old    State
	New    State
	Reason string
}

type MessageHandler func(chat.Message)

type StateHandler func(StateChange)

// Ingestor is one chat source: a platform connection or the extension
// bridge. Start must be safe to call while already running, must move
// Disconnected to Connecting synchronously before any background work, and
// must never emit messages after Stop returns. Stop is safe in any state
// and always leaves the ingestor Disconnected.
type Ingestor interface {
	Platform() chat.Platform
	State() State
	LastError() error
	Start(ctx context.Context) error
	Stop() error

	// OnMessage and OnStateChange register handlers and return their
	// removal funcs. Handlers run on the ingestor's delivery goroutine.
	OnMessage(h MessageHandler) (remove func())
	OnStateChange(h StateHandler) (remove func())
}

// Emitter is the handler registry concrete ingestors embed to satisfy the
// event half of the Ingestor interface.
type Emitter struct {
	mu            sync.RWMutex
	nextID        int
	msgHandlers   map[int]MessageHandler
	stateHandlers map[int]StateHandler
}

func (e *Emitter) OnMessage(h MessageHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.msgHandlers == nil {
		e.msgHandlers = make(map[int]MessageHandler)
	}
	id := e.nextID
	e.nextID++
	e.msgHandlers[id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.msgHandlers, id)
	}
}

func (e *Emitter) OnStateChange(h StateHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stateHandlers == nil {
		e.stateHandlers = make(map[int]StateHandler)
	}
	id := e.nextID
	e.nextID++
	e.stateHandlers[id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.stateHandlers, id)
	}
}

// EmitMessage delivers m to every registered message handler, in
// registration order on the calling goroutine.
func (e *Emitter) EmitMessage(m chat.Message) {
	e.mu.RLock()
	handlers := make([]MessageHandler, 0, len(e.msgHandlers))
	for id := 0; id < e.nextID; id++ {
		if h, ok := e.msgHandlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
}

// EmitStateChange delivers c to every registered state handler.
func (e *Emitter) EmitStateChange(c StateChange) {
	e.mu.RLock()
	handlers := make([]StateHandler, 0, len(e.stateHandlers))
	for id := 0; id < e.nextID; id++ {
		if h, ok := e.stateHandlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(c)
	}
}
