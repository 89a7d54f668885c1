package quote

// Cache holds the latest two-sided quote for the two legs of the spread.
// It is owned by the engine goroutine and is not safe for concurrent use.
type Cache struct {
	legA string
	legB string

	aBid, aAsk float64
	bBid, bAsk float64
	hasA, hasB bool
}

func NewCache(legA, legB string) *Cache {
	return &Cache{legA: legA, legB: legB}
}

// Update stores the latest bid/ask for an instrument. Quotes for unknown
// instruments are ignored.
func (c *Cache) Update(instrument string, bid, ask float64) {
	if bid <= 0 || ask <= 0 {
		return
	}
	switch instrument {
	case c.legA:
		c.aBid, c.aAsk = bid, ask
		c.hasA = true
	case c.legB:
		c.bBid, c.bAsk = bid, ask
		c.hasB = true
	}
}

// Complete reports whether both legs have received a two-sided quote.
func (c *Cache) Complete() bool {
	return c.hasA && c.hasB
}

// Mid returns the mid price for an instrument.
func (c *Cache) Mid(instrument string) (float64, bool) {
	switch instrument {
	case c.legA:
		if !c.hasA {
			return 0, false
		}
		return (c.aBid + c.aAsk) / 2, true
	case c.legB:
		if !c.hasB {
			return 0, false
		}
		return (c.bBid + c.bAsk) / 2, true
	}
	return 0, false
}

// Spread returns (midA - midB) / midB, or false until both legs have quoted.
func (c *Cache) Spread() (float64, bool) {
	if !c.Complete() {
		return 0, false
	}
	midA := (c.aBid + c.aAsk) / 2
	midB := (c.bBid + c.bAsk) / 2
	if midB == 0 {
		return 0, false
	}
	return (midA - midB) / midB, true
}
