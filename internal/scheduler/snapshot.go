package scheduler

// Snapshot returns a point-in-time view for the CLI and health output.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:    s.state.String(),
		Interval: s.cfg.Interval,
		Dispatch: s.cfg.Dispatch,
		Location: s.cfg.Location.String(),
		Ticks:    s.ticks,
	}
	if s.lastTick != nil {
		lt := *s.lastTick
		snap.LastTick = &lt
	}
	s.mu.Unlock()

	entries := s.reg.Snapshot()
	snap.Registrations = make([]Registration, 0, len(entries))
	for _, e := range entries {
		r := Registration{
			ID:       e.ID,
			Name:     e.Name(),
			Priority: e.Priority().String(),
			Schedule: e.Schedule.String(),
			Since:    e.RegisteredAt,
		}
		if s.eng != nil {
			r.Busy = s.eng.Busy(e.ID)
		}
		snap.Registrations = append(snap.Registrations, r)
	}
	snap.LedgerSize = s.ledger.Len()
	if s.eng != nil && snap.Dispatch == DispatchPool {
		es := s.eng.Snapshot()
		snap.Engine = &es
	}
	return snap
}
