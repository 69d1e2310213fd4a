package model

import (
	"sync"
	"time"
)

// Level colors a flash message.
type Level int

const (
	Info Level = iota
	Warn
	Error
)

// Flash holds one transient notification.
type Flash struct {
	mu      sync.RWMutex
	message string
	level   Level
	expires time.Time
}

// Set stores msg at level for d.
func (f *Flash) Set(level Level, msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = level
	f.expires = time.Now().Add(d)
}

// Get returns the current message, or "" once it expired.
func (f *Flash) Get() (string, Level) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return "", Info
	}
	return f.message, f.level
}
