package viewer

import (
	"smc-systemv1/internal/model"
)

// hiddenPool tracks one previously-shown pool that fell out of the cap.
type hiddenPool struct {
	reason    string
	sinceStep int64
	touched   bool
}

// Cache is the per-symbol stabilisation state. Accessed only by the
// broadcaster goroutine; no locking.
//
// closeStep advances only on compute_kind=close envelopes and is strictly
// monotone. bornStep is write-once per entity key: an entity that vanishes
// and returns maps back to its original birth.
type Cache struct {
	closeStep    int64
	lastCycleSeq int64
	bornStep     map[string]int64
	shownAt      map[string]int64 // pool key -> close step of first selection
	hidden       map[string]*hiddenPool

	lastEvents   []model.StructureEvent
	lastZonesRaw *model.ZonesBlock
	lastFxcm     map[string]interface{}
}

func newCache() *Cache {
	return &Cache{
		bornStep: make(map[string]int64),
		shownAt:  make(map[string]int64),
		hidden:   make(map[string]*hiddenPool),
	}
}

// advance moves the close-step counter for one close envelope. Re-applying
// the same cycle is a no-op so the transform stays idempotent per envelope.
func (c *Cache) advance(cycleSeq int64) {
	if cycleSeq != 0 && cycleSeq == c.lastCycleSeq {
		return
	}
	c.lastCycleSeq = cycleSeq
	c.closeStep++
}

// noteBorn records the first close-step sighting of an entity key.
func (c *Cache) noteBorn(key string) {
	if _, ok := c.bornStep[key]; !ok {
		c.bornStep[key] = c.closeStep
	}
}

// age returns how many close steps the key has survived since birth, or -1
// when the key was never born (preview-only sightings).
func (c *Cache) age(key string) int64 {
	born, ok := c.bornStep[key]
	if !ok {
		return -1
	}
	return c.closeStep - born
}
