package database

import (
	"sync"

	"cropcast-backend/internal/models"
)

// outcomeHub fans recorded outcomes out to in-process subscribers
type outcomeHub struct {
	mu          sync.RWMutex
	subscribers []func(models.Outcome)
}

func (h *outcomeHub) subscribe(fn func(models.Outcome)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

func (h *outcomeHub) publish(outcome models.Outcome) {
	h.mu.RLock()
	subs := append([]func(models.Outcome){}, h.subscribers...)
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(outcome)
	}
}
