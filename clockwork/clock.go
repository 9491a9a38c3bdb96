package clockwork

// DefaultClock is the number of calls between two full passes.
const DefaultClock = 4

// clock counts calls since the last reset. Whether a call runs the full
// graph depends only on elapsed and period.
type clock struct {
	period  int
	elapsed int
}

func (c *clock) useFullGraph() bool {
	return c.elapsed%c.period == 0
}

func (c *clock) tick() {
	c.elapsed++
}

// reset restarts the count at zero, so the next call is always a full pass.
func (c *clock) reset() {
	c.elapsed = 0
}
