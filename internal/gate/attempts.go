package gate

import "time"

const (
	backoffStartAttempt = 3
	backoffBase         = 30 * time.Second
	wipeAttempt         = 10
)

// Outcome is the consequence of one failed PIN attempt. A Wipe outcome means
// the whole session (group sessions, PIN key, identity pickle) must be
// cleared; there is no recovery code in the no-account model.
type Outcome struct {
	Delay time.Duration
	Wipe  bool
}

// Attempts counts consecutive failed PIN entries. Failures 1-2 are free, the
// 3rd starts a 30s backoff that doubles per failure, and the 10th wipes.
type Attempts struct {
	failed int
}

func (a *Attempts) Fail() Outcome {
	a.failed++
	if a.failed >= wipeAttempt {
		return Outcome{Wipe: true}
	}
	if a.failed < backoffStartAttempt {
		return Outcome{}
	}
	return Outcome{Delay: backoffBase << (a.failed - backoffStartAttempt)}
}

// Reset clears the counter after a successful verification.
func (a *Attempts) Reset() {
	a.failed = 0
}

func (a *Attempts) Count() int {
	return a.failed
}
