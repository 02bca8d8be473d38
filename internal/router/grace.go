package router

import (
	"sync"
	"time"
)

// graceKey identifies one pending cleanup: a connection id within a session
type graceKey struct {
	sessionID string
	connID    string
}

// GraceScheduler owns the delayed cleanup timers for disconnected participants
// TECHNICAL DISCOVERY: Timers never touch session state; the callback only
// hands work to the hub, which re-validates before mutating
type GraceScheduler struct {
	mu     sync.Mutex
	timers map[graceKey]*time.Timer
}

func NewGraceScheduler() *GraceScheduler {
	return &GraceScheduler{timers: make(map[graceKey]*time.Timer)}
}

// Schedule runs fn after d, replacing any timer pending for the same key
func (g *GraceScheduler) Schedule(key graceKey, d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.timers[key]; ok {
		existing.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		g.mu.Lock()
		if g.timers[key] == timer {
			delete(g.timers, key)
		}
		g.mu.Unlock()
		fn()
	})
	g.timers[key] = timer
}

// Cancel stops a pending timer; returns true if one was pending
func (g *GraceScheduler) Cancel(key graceKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	timer, ok := g.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(g.timers, key)
	return true
}

// Pending returns the number of scheduled cleanups
func (g *GraceScheduler) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

// StopAll cancels every pending timer (shutdown)
func (g *GraceScheduler) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, timer := range g.timers {
		timer.Stop()
		delete(g.timers, key)
	}
}
