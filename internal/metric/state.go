package metric

import (
	"time"
)

const DefaultInterval = 5 * time.Second

type Config struct {
	ThrottleMs int      `hcl:"throttle_ms"`
	Throttled  []string `hcl:"throttled"`
}

type entry struct {
	value     Value
	published time.Time
}

// State remembers the last published value and publish time per metric.
// One instance lives for the whole process, owned by the monitor loop; it
// is not safe for concurrent use and does not need to be.
type State struct {
	interval  time.Duration
	throttled map[string]struct{}
	last      map[string]entry
}

func NewState(interval time.Duration, throttled []string) *State {
	if interval <= 0 {
		interval = DefaultInterval
	}
	self := &State{
		interval:  interval,
		throttled: make(map[string]struct{}, len(throttled)),
		last:      make(map[string]entry),
	}
	for _, name := range throttled {
		self.throttled[name] = struct{}{}
	}
	return self
}

// Eval reports whether v for metric name should go out at time t. It does
// not mutate; call Commit once the transport has accepted the value, so a
// failed publish is re-attempted next cycle.
func (self *State) Eval(name string, v Value, t time.Time) bool {
	if !v.Valid() {
		return false
	}
	e, ok := self.last[name]
	if ok && e.value.Equal(v) {
		// equal value never republishes, throttled or not
		return false
	}
	if _, throttled := self.throttled[name]; !throttled {
		return true
	}
	return !ok || e.published.IsZero() || t.Sub(e.published) >= self.interval
}

func (self *State) Commit(name string, v Value, t time.Time) {
	self.last[name] = entry{value: v, published: t}
}
