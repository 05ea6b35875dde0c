package auth

// TrackedEmails reports how many emails hold a limiter.
func (g *BasicGate) TrackedEmails() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}
