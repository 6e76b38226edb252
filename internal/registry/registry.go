// Package registry implements the Subscriber Registry (spec §4.6): it
// holds every live subscriber, its filter set, liveness flag, and
// outbound queue, and enforces the maximum-client cap.
package registry

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kurotori4423/vrc-log-relay/internal/record"
	"github.com/kurotori4423/vrc-log-relay/internal/wire"
)

// DefaultMaxClients bounds how many subscribers may be registered at
// once.
const DefaultMaxClients = 64

// DefaultQueueCapacity bounds each subscriber's outbound queue.
const DefaultQueueCapacity = 256

// RejectReason names why add() refused a subscriber.
type RejectReason string

// ErrConnectionLimit is returned by Add when the registry is at cap.
const ErrConnectionLimit RejectReason = wire.ErrConnectionLimit

// FilterDimension names what part of a record a clause matches.
type FilterDimension string

const (
	DimensionLevel   FilterDimension = "level"
	DimensionSource  FilterDimension = "source"
	DimensionContent FilterDimension = "content"
	DimensionRegex   FilterDimension = "regex"
)

// FilterOperator names how a clause's value is compared.
type FilterOperator string

const (
	OperatorEquals   FilterOperator = "equals"
	OperatorContains FilterOperator = "contains"
	OperatorRegex    FilterOperator = "regex"
	OperatorIn       FilterOperator = "in"
)

// FilterSpec is the uncompiled, wire-shaped description of a clause.
type FilterSpec struct {
	ID            string
	Dimension     FilterDimension
	Operator      FilterOperator
	Value         string
	CaseSensitive bool
}

// CompiledFilter is a FilterSpec turned into a ready-to-evaluate
// predicate at mutation time, so dispatch never parses or compiles
// per message.
type CompiledFilter struct {
	ID    string
	match func(*record.Processed) bool
}

// Compile builds a CompiledFilter from spec, or returns an error for
// an unknown dimension/operator pair or an invalid regex.
func Compile(spec FilterSpec) (CompiledFilter, error) {
	extract := extractorFor(spec.Dimension)
	if extract == nil {
		return CompiledFilter{}, errInvalidFilter{"unknown dimension: " + string(spec.Dimension)}
	}

	value := spec.Value
	if !spec.CaseSensitive {
		value = strings.ToLower(value)
	}

	var compare func(field string) bool
	switch spec.Operator {
	case OperatorEquals:
		compare = func(field string) bool { return field == value }
	case OperatorContains:
		compare = func(field string) bool { return strings.Contains(field, value) }
	case OperatorIn:
		options := strings.Split(value, ",")
		compare = func(field string) bool {
			for _, o := range options {
				if field == o {
					return true
				}
			}
			return false
		}
	case OperatorRegex:
		re, err := regexp.Compile(spec.Value)
		if err != nil {
			return CompiledFilter{}, errInvalidFilter{"invalid regex: " + err.Error()}
		}
		compare = func(field string) bool { return re.MatchString(field) }
	default:
		return CompiledFilter{}, errInvalidFilter{"unknown operator: " + string(spec.Operator)}
	}

	caseSensitive := spec.CaseSensitive
	return CompiledFilter{
		ID: spec.ID,
		match: func(p *record.Processed) bool {
			field := extract(p)
			if !caseSensitive {
				field = strings.ToLower(field)
			}
			return compare(field)
		},
	}, nil
}

func extractorFor(dim FilterDimension) func(*record.Processed) string {
	switch dim {
	case DimensionLevel:
		return func(p *record.Processed) string { return string(p.Level) }
	case DimensionSource:
		return func(p *record.Processed) string { return string(p.SourceTag) }
	case DimensionContent, DimensionRegex:
		return func(p *record.Processed) string { return p.Raw }
	default:
		return nil
	}
}

type errInvalidFilter struct{ msg string }

func (e errInvalidFilter) Error() string { return e.msg }

// Subscriber is one live connection's registry-visible state. Its
// liveness, last-seen time, filters and counters are updated by the
// receiver loop and fan-out under the subscriber's own mutex; the
// registry only holds the pointer and iterates under its lock.
type Subscriber struct {
	ID             string
	AdvertisedName string
	ConnectedAt    time.Time

	mu      sync.Mutex
	lastSeen time.Time
	alive    bool
	filters  []CompiledFilter

	// Outbound carries either a *record.Processed or a pre-built control
	// payload; serialization happens in the subscriber's own sender,
	// not here, so fan-out never does JSON work under the registry lock.
	Outbound chan any

	Sent    uint64
	Dropped uint64
}

// NewSubscriber constructs a Subscriber with a fresh outbound queue.
func NewSubscriber(id, advertisedName string, now time.Time, queueCapacity int) *Subscriber {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Subscriber{
		ID:             id,
		AdvertisedName: advertisedName,
		ConnectedAt:    now,
		lastSeen:       now,
		alive:          true,
		Outbound:       make(chan any, queueCapacity),
	}
}

// Touch marks the subscriber alive and updates last_seen; call on any
// inbound frame or pong.
func (s *Subscriber) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
	s.alive = true
}

// ClearAlive runs at ping-send time (spec §4.7 heartbeat).
func (s *Subscriber) ClearAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
}

// IsAlive reports the two-phase liveness bit.
func (s *Subscriber) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// LastSeen returns the last inbound-activity instant.
func (s *Subscriber) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SetFilters atomically replaces the subscriber's filter set.
func (s *Subscriber) SetFilters(filters []CompiledFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = filters
}

// AddFilter appends one compiled filter, replacing any existing one
// with the same ID.
func (s *Subscriber) AddFilter(f CompiledFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.filters {
		if existing.ID == f.ID {
			s.filters[i] = f
			return
		}
	}
	s.filters = append(s.filters, f)
}

// RemoveFilter drops the filter with the given ID, reporting whether
// one was found.
func (s *Subscriber) RemoveFilter(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.filters {
		if existing.ID == id {
			s.filters = append(s.filters[:i], s.filters[i+1:]...)
			return true
		}
	}
	return false
}

// Accepts reports whether every filter clause matches p (AND-composed);
// an empty filter set accepts everything.
func (s *Subscriber) Accepts(p *record.Processed) bool {
	s.mu.Lock()
	filters := s.filters
	s.mu.Unlock()
	for _, f := range filters {
		if !f.match(p) {
			return false
		}
	}
	return true
}

// Enqueue attempts to push item onto the subscriber's outbound queue,
// dropping-newest and incrementing Dropped on a full queue. It never
// blocks.
func (s *Subscriber) Enqueue(item any) {
	select {
	case s.Outbound <- item:
		s.mu.Lock()
		s.Sent++
		s.mu.Unlock()
	default:
		s.mu.Lock()
		s.Dropped++
		s.mu.Unlock()
	}
}

// Registry holds every live subscriber under a read-write lock:
// readers (fan-out) take RLock, writers (connect/disconnect) take
// Lock.
type Registry struct {
	mu         sync.RWMutex
	maxClients int
	byID       map[string]*Subscriber
}

// New constructs an empty Registry capped at maxClients.
func New(maxClients int) *Registry {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Registry{maxClients: maxClients, byID: make(map[string]*Subscriber)}
}

// Add registers sub, or refuses with ErrConnectionLimit if already at
// cap.
func (r *Registry) Add(sub *Subscriber) (ok bool, reason RejectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byID) >= r.maxClients {
		return false, ErrConnectionLimit
	}
	r.byID[sub.ID] = sub
	return true, ""
}

// Remove drops the subscriber with the given ID, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Get returns the subscriber with the given ID, if present.
func (r *Registry) Get(id string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// Count returns the number of currently registered subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Snapshot returns the currently registered subscribers. The slice and
// its pointers are safe to read concurrently with registry mutation;
// each Subscriber guards its own mutable fields.
func (r *Registry) Snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscriber, 0, len(r.byID))
	for _, sub := range r.byID {
		out = append(out, sub)
	}
	return out
}

// EachMatching calls fn for every registered subscriber that accepts
// rec, under a single shared read lock.
func (r *Registry) EachMatching(rec *record.Processed, fn func(*Subscriber)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.byID {
		if sub.Accepts(rec) {
			fn(sub)
		}
	}
}

