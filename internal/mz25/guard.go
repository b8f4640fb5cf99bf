package mz25

// maskGuard holds the channel's interrupt sources off for the length of a
// register sequence. restore re-enables the sources that were active when
// the guard was taken.
type maskGuard struct {
	c     *Channel
	saved uint8
	done  bool
}

// suspendLocked clears IER and returns a guard remembering its old value.
// c.mu must be held, and restore must run before it is released.
func (c *Channel) suspendLocked() *maskGuard {
	return &maskGuard{c: c, saved: c.disableLocked(0)}
}

func (g *maskGuard) restore() {
	if g.done {
		return
	}
	g.done = true
	g.c.enableLocked(g.saved)
}
