package dagrun

import "time"

// gcTimer wraps a time.AfterFunc firing after an atom's reference
// count has stayed at zero for the scope's GC grace period, at which
// point the atom's cached value is released and its cleanups run,
// cascading the same release check to its upstream reactive
// dependencies (an atom only "props up" the atoms it depends on for as
// long as something still needs it).
type gcTimer struct {
	timer   *time.Timer
	stopped bool
}

func (s *Scope) scheduleGC(atom AnyAtom, st *atomState) {
	if atom.keepAlive() {
		return
	}
	if s.gcGrace <= 0 {
		s.releaseAtom(atom, st)
		return
	}
	st.gcTimer = &gcTimer{
		timer: time.AfterFunc(s.gcGrace, func() {
			st.lock()
			stillZero := st.refCount.Load() <= 0
			st.unlock()
			if stillZero {
				s.releaseAtom(atom, st)
			}
		}),
	}
}

func (s *Scope) cancelGC(st *atomState) {
	if st.gcTimer != nil && !st.gcTimer.stopped {
		st.gcTimer.timer.Stop()
		st.gcTimer.stopped = true
	}
}

// acquireRef increments atom's reference count, cancelling any
// pending GC grace timer.
func (s *Scope) acquireRef(atom AnyAtom) {
	st, ok := s.stateFor(atom)
	if !ok {
		return
	}
	st.refCount.Add(1)
	st.lock()
	s.cancelGC(st)
	st.unlock()
}

// releaseRef decrements atom's reference count; once it reaches zero,
// a GC grace timer is armed (unless the atom is keepAlive).
func (s *Scope) releaseRef(atom AnyAtom) {
	st, ok := s.stateFor(atom)
	if !ok {
		return
	}
	if st.refCount.Add(-1) <= 0 {
		st.lock()
		zero := st.refCount.Load() <= 0
		if zero && s.gcGrace > 0 {
			s.scheduleGC(atom, st)
		}
		st.unlock()
		if zero && s.gcGrace <= 0 {
			// releaseAtom takes st's lock itself, so the immediate path
			// runs after it has been released.
			s.scheduleGC(atom, st)
		}
	}
}

// releaseAtom drops atom's cached value, runs its cleanups, and
// cascades a release check to every upstream reactive dependency —
// since this atom no longer needs them either.
func (s *Scope) releaseAtom(atom AnyAtom, st *atomState) {
	st.lock()
	cleanups := st.cleanups
	st.cleanups = nil
	st.status.Store(atomStatusUnresolved)
	st.value = nil
	st.err = nil
	st.unlock()

	upstream := s.graph.dependencies(atom)
	s.cache.Delete(atom)
	s.graph.remove(atom)
	runCleanups(cleanups)

	for _, up := range upstream {
		s.releaseRef(up)
	}
}

func runCleanups(cleanups []cleanupFn) []error {
	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
