package porteiro

import (
	"fmt"
	"sync"
	"time"
)

// Bucket names used by the dispatcher. Per-command cooldowns and
// auto-notice buckets are derived with the helper funcs below, so the
// same user can be throttled independently across unrelated concerns.
const (
	bucketCommands = "commands"
	bucketMention  = "groq-mention"
)

func cooldownBucket(command string) string {
	return fmt.Sprintf("cooldown:%s", command)
}

func autoNoticeBucket(guildID string, roleID string, hasUserList bool) string {
	return fmt.Sprintf("autonotice:%s:%s:%t", guildID, roleID, hasUserList)
}

// rateKey identifies a single cooldown slot: one subject (a Discord
// snowflake, treated as opaque) in one named bucket.
type rateKey struct {
	subjectID string
	bucket    string
}

// rateState holds the timestamp of the last allowed call for a key.
// Mutated only while the per-key mutex is held; keys never share state,
// so unrelated subjects and buckets can't serialize each other.
type rateState struct {
	mu           sync.Mutex
	lastConsumed time.Time
	everConsumed bool
}

// RateLimiter answers "may this (subject, bucket) act now, and if not,
// when." It implements a fixed single-slot cooldown: a call is allowed
// if no prior allowed call for the same key happened within the window,
// and an allowed call resets the clock. This intentionally does NOT
// bound bursts beyond one success per window.
//
// State is process-lifetime only and resets on restart.
type RateLimiter struct {
	mu    sync.Mutex
	slots map[rateKey]*rateState

	// now is replaceable in tests
	now func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		slots: map[rateKey]*rateState{},
		now:   time.Now,
	}
}

// TryConsume reports whether the (subjectID, bucket) key may act now.
// On denial, retryAfter is the remaining cooldown, rounded up to a whole
// second for user display. Two concurrent calls for the same key at the
// same instant never both succeed: the stored timestamp is only read and
// written under the key's mutex.
func (r *RateLimiter) TryConsume(
	subjectID string,
	bucket string,
	window time.Duration,
) (allowed bool, retryAfter time.Duration) {
	state := r.slot(rateKey{subjectID: subjectID, bucket: bucket})

	state.mu.Lock()
	defer state.mu.Unlock()

	now := r.now()
	if state.everConsumed {
		elapsed := now.Sub(state.lastConsumed)
		if elapsed < window {
			return false, roundUpSeconds(window - elapsed)
		}
	}
	state.lastConsumed = now
	state.everConsumed = true
	return true, 0
}

// slot returns the state for a key, creating it on first use. The outer
// map lock is held only for the lookup, never across the cooldown check.
func (r *RateLimiter) slot(key rateKey) *rateState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.slots[key]
	if !ok {
		state = &rateState{}
		r.slots[key] = state
	}
	return state
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// roundUpSeconds rounds d up to the next whole second, so a user never
// sees "wait 0s" while still being denied.
func roundUpSeconds(d time.Duration) time.Duration {
	rounded := d.Truncate(time.Second)
	if rounded < d {
		rounded += time.Second
	}
	return rounded
}
