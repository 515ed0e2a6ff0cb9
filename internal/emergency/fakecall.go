package emergency

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeCallPhase where a scheduled distraction call is.
type FakeCallPhase string

const (
	FakeCallRinging FakeCallPhase = "ringing"
	FakeCallEnded   FakeCallPhase = "ended"
)

// FakeCall is delivered to the callback on every phase change.
type FakeCall struct {
	ID         string        `json:"id"`
	CallerName string        `json:"caller_name"`
	Phase      FakeCallPhase `json:"phase"`
	At         time.Time     `json:"at"`
}

// ScheduleFakeCall rings after delay and ends after ringFor. The returned
// cancel stops a pending call silently, or ends a ringing one early.
func ScheduleFakeCall(callerName string, delay, ringFor time.Duration, fn func(FakeCall)) (cancel func()) {
	id := uuid.NewString()

	var (
		mu       sync.Mutex
		ringing  bool
		finished bool
		endTimer *time.Timer
	)

	fire := func(phase FakeCallPhase) {
		fn(FakeCall{ID: id, CallerName: callerName, Phase: phase, At: time.Now().UTC()})
	}

	end := func() {
		mu.Lock()
		if finished {
			mu.Unlock()
			return
		}
		finished = true
		mu.Unlock()
		fire(FakeCallEnded)
	}

	startTimer := time.AfterFunc(delay, func() {
		mu.Lock()
		if finished {
			mu.Unlock()
			return
		}
		ringing = true
		endTimer = time.AfterFunc(ringFor, end)
		mu.Unlock()
		fire(FakeCallRinging)
	})

	return func() {
		mu.Lock()
		startTimer.Stop()
		if endTimer != nil {
			endTimer.Stop()
		}
		wasRinging := ringing && !finished
		if !wasRinging {
			finished = true
		}
		mu.Unlock()

		if wasRinging {
			end()
		}
	}
}
