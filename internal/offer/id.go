package offer

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// IDGenerator produces offer ids of the form OFF<unix-millis><seq>.
// The sequence resets each millisecond and the clock never moves backwards
// within a generator, so ids are unique and sortable within a process.
// Across restarts the generator must be seeded with Observe from persisted
// ids. One generator (one process) may write to a store at a time.
type IDGenerator struct {
	mu     sync.Mutex
	now    func() time.Time
	lastMs int64
	seq    int
}

func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now}
}

func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.lastMs {
		g.seq++
		if g.seq > 9999 {
			g.lastMs++
			g.seq = 0
		}
		ms = g.lastMs
	} else {
		g.lastMs = ms
		g.seq = 0
	}
	return fmt.Sprintf("OFF%d%04d", ms, g.seq)
}

// Observe advances the generator past id so later ids sort after it.
func (g *IDGenerator) Observe(id string) error {
	digits, ok := strings.CutPrefix(id, "OFF")
	if !ok || len(digits) < 5 {
		return fmt.Errorf("offer id %q: unrecognized format", id)
	}
	ms, err := strconv.ParseInt(digits[:len(digits)-4], 10, 64)
	if err != nil {
		return fmt.Errorf("offer id %q: %w", id, err)
	}
	seq, err := strconv.Atoi(digits[len(digits)-4:])
	if err != nil {
		return fmt.Errorf("offer id %q: %w", id, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if ms > g.lastMs || (ms == g.lastMs && seq > g.seq) {
		g.lastMs, g.seq = ms, seq
	}
	return nil
}
