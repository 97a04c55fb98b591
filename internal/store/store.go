// Package store holds the dashboard's appointments keyed by doctor.
//
// Published slices are never mutated. Every change builds a new slice and
// swaps it in, so a slice obtained from Get stays valid for as long as the
// caller holds it.
package store

import (
	"sort"
	"sync"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
)

type Store struct {
	mu       sync.RWMutex
	byDoctor map[int64][]appointment.Appointment
	owner    map[int64]int64 // appointment id -> doctor id
	version  uint64
	watchers map[chan uint64]struct{}
}

func New() *Store {
	return &Store{
		byDoctor: make(map[int64][]appointment.Appointment),
		owner:    make(map[int64]int64),
		watchers: make(map[chan uint64]struct{}),
	}
}

// Get returns the doctor's appointments ordered by time then id.
func (s *Store) Get(doctorID int64) []appointment.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byDoctor[doctorID]
}

func (s *Store) Find(id int64) (appointment.Appointment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(id)
}

func (s *Store) findLocked(id int64) (appointment.Appointment, bool) {
	doc, ok := s.owner[id]
	if !ok {
		return appointment.Appointment{}, false
	}
	for _, a := range s.byDoctor[doc] {
		if a.ID == id {
			return a, true
		}
	}
	return appointment.Appointment{}, false
}

// All flattens every doctor's list, ordered by time then id.
func (s *Store) All() []appointment.Appointment {
	s.mu.RLock()
	out := make([]appointment.Appointment, 0, len(s.owner))
	for _, list := range s.byDoctor {
		out = append(out, list...)
	}
	s.mu.RUnlock()

	sortAppointments(out)
	return out
}

func (s *Store) Doctors() []int64 {
	s.mu.RLock()
	out := make([]int64, 0, len(s.byDoctor))
	for id := range s.byDoctor {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ReplaceAll swaps in the authoritative list for one doctor. Entries of list
// that belong to other doctors are ignored. A repeated id keeps its last entry.
func (s *Store) ReplaceAll(doctorID int64, list []appointment.Appointment) {
	list = lastByID(list)
	next := make([]appointment.Appointment, 0, len(list))
	for _, a := range list {
		if a.DoctorID == doctorID {
			next = append(next, a)
		}
	}
	sortAppointments(next)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.byDoctor[doctorID] {
		delete(s.owner, a.ID)
	}
	for _, a := range next {
		// an id may have moved here from another doctor
		if prev, ok := s.owner[a.ID]; ok && prev != doctorID {
			s.byDoctor[prev] = without(s.byDoctor[prev], a.ID)
		}
		s.owner[a.ID] = doctorID
	}
	s.byDoctor[doctorID] = next
	s.bumpLocked()
}

// Reset replaces the whole store with list, grouped by doctor. A repeated id
// keeps its last entry.
func (s *Store) Reset(list []appointment.Appointment) {
	list = lastByID(list)
	grouped := make(map[int64][]appointment.Appointment)
	owner := make(map[int64]int64, len(list))
	for _, a := range list {
		grouped[a.DoctorID] = append(grouped[a.DoctorID], a)
		owner[a.ID] = a.DoctorID
	}
	for _, l := range grouped {
		sortAppointments(l)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDoctor = grouped
	s.owner = owner
	s.bumpLocked()
}

// UpsertByID runs fn on the current value of id (ok is false when absent) and
// stores what it returns. fn returning keep=false leaves the store untouched.
// The result is placed under its own DoctorID, so a doctor change moves it.
func (s *Store) UpsertByID(id int64, fn func(cur appointment.Appointment, ok bool) (next appointment.Appointment, keep bool)) (appointment.Appointment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.findLocked(id)
	next, keep := fn(cur, ok)
	if !keep {
		return cur, false
	}
	next.ID = id
	if ok && cur.Equal(next) {
		return cur, false
	}

	if ok && cur.DoctorID != next.DoctorID {
		s.byDoctor[cur.DoctorID] = without(s.byDoctor[cur.DoctorID], id)
	}
	s.byDoctor[next.DoctorID] = with(s.byDoctor[next.DoctorID], next)
	s.owner[id] = next.DoctorID
	s.bumpLocked()
	return next, true
}

// Put replaces id with a as is.
func (s *Store) Put(a appointment.Appointment) bool {
	_, changed := s.UpsertByID(a.ID, func(appointment.Appointment, bool) (appointment.Appointment, bool) {
		return a, true
	})
	return changed
}

func (s *Store) RemoveByID(id int64) (appointment.Appointment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.findLocked(id)
	if !ok {
		return appointment.Appointment{}, false
	}
	s.byDoctor[cur.DoctorID] = without(s.byDoctor[cur.DoctorID], id)
	delete(s.owner, id)
	s.bumpLocked()
	return cur, true
}

// Watch delivers the latest version after each change. Slow readers see only
// the newest version. The returned func unsubscribes.
func (s *Store) Watch() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) bumpLocked() {
	s.version++
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s.version
	}
}

func with(list []appointment.Appointment, a appointment.Appointment) []appointment.Appointment {
	next := make([]appointment.Appointment, 0, len(list)+1)
	for _, x := range list {
		if x.ID != a.ID {
			next = append(next, x)
		}
	}
	next = append(next, a)
	sortAppointments(next)
	return next
}

// lastByID drops every entry whose id appears again later in list.
func lastByID(list []appointment.Appointment) []appointment.Appointment {
	last := make(map[int64]int, len(list))
	for i, a := range list {
		last[a.ID] = i
	}
	if len(last) == len(list) {
		return list
	}
	out := make([]appointment.Appointment, 0, len(last))
	for i, a := range list {
		if last[a.ID] == i {
			out = append(out, a)
		}
	}
	return out
}

func without(list []appointment.Appointment, id int64) []appointment.Appointment {
	next := make([]appointment.Appointment, 0, len(list))
	for _, x := range list {
		if x.ID != id {
			next = append(next, x)
		}
	}
	return next
}

func sortAppointments(list []appointment.Appointment) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].ScheduledAt.Equal(list[j].ScheduledAt) {
			return list[i].ScheduledAt.Before(list[j].ScheduledAt)
		}
		return list[i].ID < list[j].ID
	})
}
