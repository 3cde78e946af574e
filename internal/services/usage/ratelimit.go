package usage

import (
	"context"
	"sync"
	"time"
)

type RateLimiter struct {
	mu       sync.RWMutex
	requests map[string][]time.Time
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) CheckRateLimit(ctx context.Context, accountID string, limitRpm int) (bool, error) {
	if limitRpm <= 0 {
		return true, nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	oneMinuteAgo := now.Add(-1 * time.Minute)

	filtered := rl.requests[accountID][:0]
	for _, reqTime := range rl.requests[accountID] {
		if reqTime.After(oneMinuteAgo) {
			filtered = append(filtered, reqTime)
		}
	}
	rl.requests[accountID] = filtered

	if len(rl.requests[accountID]) >= limitRpm {
		return false, nil
	}

	rl.requests[accountID] = append(rl.requests[accountID], now)
	return true, nil
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		oneMinuteAgo := time.Now().Add(-1 * time.Minute)

		for accountID, requests := range rl.requests {
			filtered := []time.Time{}
			for _, reqTime := range requests {
				if reqTime.After(oneMinuteAgo) {
					filtered = append(filtered, reqTime)
				}
			}
			if len(filtered) == 0 {
				delete(rl.requests, accountID)
			} else {
				rl.requests[accountID] = filtered
			}
		}
		rl.mu.Unlock()
	}
}
