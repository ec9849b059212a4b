// Package credentials assembles Wi-Fi credentials that arrive as two independent writes.
package credentials

import (
	"bytes"
	"sync"
)

// Slot identifies one half of a credential pair.
type Slot int

const (
	SSID Slot = iota
	Passphrase

	numSlots = 2
)

func (s Slot) String() string {
	switch s {
	case SSID:
		return "ssid"
	case Passphrase:
		return "passphrase"
	default:
		return "unknown"
	}
}

// Pair is a complete set of credentials.
type Pair struct {
	SSID       string
	Passphrase string
}

// Assembler accumulates slot writes and reports exactly once when both slots are filled.
// With rearm set, it reports again after both slots have been rewritten since the last report.
type Assembler struct {
	mu        sync.Mutex
	values    [numSlots][]byte
	fresh     [numSlots]bool
	open      bool
	triggered bool
	rearm     bool
}

func NewAssembler(rearm bool) *Assembler {
	return &Assembler{rearm: rearm}
}

// Submit stores value in slot, replacing whatever was there. An empty value clears the slot.
// It returns the pair and true only on the write that completes it.
func (a *Assembler) Submit(slot Slot, value []byte) (Pair, bool) {
	if slot < 0 || slot >= numSlots {
		return Pair{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if slot == Passphrase {
		a.open = false
	}
	if len(value) == 0 {
		a.values[slot] = nil
		a.fresh[slot] = false
		return Pair{}, false
	}
	a.values[slot] = bytes.Clone(value)
	a.fresh[slot] = true
	return a.tryTrigger()
}

// SubmitPair stores both slots at once. Unlike Submit, an empty passphrase is kept and marks an
// open network. The same trigger rules apply, and a pair refused after the one-shot trigger
// leaves the stored values untouched.
func (a *Assembler) SubmitPair(p Pair) (Pair, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p.SSID == "" || (a.triggered && !a.rearm) {
		return Pair{}, false
	}
	a.values[SSID] = []byte(p.SSID)
	a.values[Passphrase] = []byte(p.Passphrase)
	a.open = p.Passphrase == ""
	a.fresh = [numSlots]bool{true, true}
	return a.tryTrigger()
}

// tryTrigger reports completion under the trigger rules. a.mu must be held.
func (a *Assembler) tryTrigger() (Pair, bool) {
	if !a.complete() {
		return Pair{}, false
	}
	if a.triggered {
		if !a.rearm || !a.fresh[SSID] || !a.fresh[Passphrase] {
			return Pair{}, false
		}
	}

	a.triggered = true
	a.fresh = [numSlots]bool{}
	return a.pair(), true
}

// Reset clears both slots and the completion latch.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values = [numSlots][]byte{}
	a.fresh = [numSlots]bool{}
	a.open = false
	a.triggered = false
}

// Credentials returns the current slot values, and whether both are set.
func (a *Assembler) Credentials() (Pair, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pair(), a.complete()
}

func (a *Assembler) complete() bool {
	return len(a.values[SSID]) > 0 && (len(a.values[Passphrase]) > 0 || a.open)
}

func (a *Assembler) pair() Pair {
	return Pair{SSID: string(a.values[SSID]), Passphrase: string(a.values[Passphrase])}
}
