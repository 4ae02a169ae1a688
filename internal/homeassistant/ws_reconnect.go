// Package homeassistant provides exponential backoff shared by the WebSocket
// reconnect loop and the humidifier setup retries.
package homeassistant

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMaxReconnectAttempts is returned once the attempt limit is used up.
var ErrMaxReconnectAttempts = errors.New("maximum reconnection attempts reached")

// ReconnectConfig describes a backoff schedule.
type ReconnectConfig struct {
	// InitialDelay is the wait before the first attempt.
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// BackoffFactor multiplies the wait after each attempt.
	BackoffFactor float64
	// MaxAttempts limits the attempts; 0 means unlimited.
	MaxAttempts int
}

// DefaultReconnectConfig waits 1s, doubling up to a minute, forever.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
	}
}

// ReconnectManager paces repeated attempts: WebSocket reconnects in the client
// and setup retries for humidifiers whose sources are not ready yet. One
// manager tracks one sequence of attempts.
type ReconnectManager struct {
	config ReconnectConfig

	mu          sync.Mutex
	attempts    int
	currentWait time.Duration
	cancelWait  context.CancelFunc
}

// NewReconnectManager starts a fresh attempt sequence for config.
func NewReconnectManager(config ReconnectConfig) *ReconnectManager {
	return &ReconnectManager{config: config, currentWait: config.InitialDelay}
}

// Reset starts the sequence over, typically after an attempt succeeded, and
// aborts a pending wait.
func (r *ReconnectManager) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.currentWait = r.config.InitialDelay
	r.abortLocked()
}

// Stop aborts a pending wait.
func (r *ReconnectManager) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortLocked()
}

func (r *ReconnectManager) abortLocked() {
	if r.cancelWait != nil {
		r.cancelWait()
		r.cancelWait = nil
	}
}

// ShouldReconnect reports whether attempts remain.
func (r *ReconnectManager) ShouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.exhaustedLocked()
}

func (r *ReconnectManager) exhaustedLocked() bool {
	return r.config.MaxAttempts > 0 && r.attempts >= r.config.MaxAttempts
}

// GetAttempts returns the number of waits started since the last Reset.
func (r *ReconnectManager) GetAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// WaitForReconnect counts an attempt and sleeps for its delay. It returns
// ErrMaxReconnectAttempts when no attempts remain, or the context error when
// ctx ends or Stop is called first.
func (r *ReconnectManager) WaitForReconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.exhaustedLocked() {
		r.mu.Unlock()
		return ErrMaxReconnectAttempts
	}
	r.attempts++
	wait := r.currentWait
	r.currentWait = min(time.Duration(float64(wait)*r.config.BackoffFactor), r.config.MaxDelay)

	r.abortLocked()
	waitCtx, cancel := context.WithCancel(ctx)
	r.cancelWait = cancel
	r.mu.Unlock()
	defer cancel()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

// OnReconnectFunc is called after a reconnect with the attempts it took.
type OnReconnectFunc func(attempts int)

// OnDisconnectFunc is called when the connection is found dead.
type OnDisconnectFunc func(err error)
