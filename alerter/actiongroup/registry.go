package actiongroup

import (
	"fmt"
	"sync"
)

// Registry stores action groups and resolves rule references to receivers.
// Reads are served from an immutable snapshot so in-flight evaluations never
// observe a partially applied update.
type Registry struct {
	mu   sync.Mutex
	snap *Snapshot
}

func NewRegistry() *Registry {
	return &Registry{snap: &Snapshot{
		byID:        map[string]*ActionGroup{},
		byShortName: map[string]string{},
	}}
}

// SetEscalation installs the severity override table.  Events at a listed
// severity are routed to the named groups in addition to the rule's own
// references.  Every referenced group must already be registered.
func (r *Registry) SetEscalation(table map[int][]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sev, ids := range table {
		for _, id := range ids {
			if _, ok := r.snap.byID[id]; !ok {
				return &ValidationError{Group: id, Field: "escalation", Reason: fmt.Sprintf("severity %d routes to unknown group", sev)}
			}
		}
	}
	next := r.snap.clone()
	next.escalation = table
	r.snap = next
	return nil
}

// Register adds a new group or, if the ID already exists, records a new
// version of it.  ShortName collisions across distinct IDs are rejected.
func (r *Registry) Register(g ActionGroup) error {
	if err := g.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.snap.byShortName[g.ShortName]; ok && owner != g.ID {
		return &ValidationError{Group: g.ID, Field: "shortName", Reason: fmt.Sprintf("%q already used by group %q", g.ShortName, owner)}
	}

	next := r.snap.clone()
	if prev, ok := next.byID[g.ID]; ok {
		g.Version = prev.Version + 1
		delete(next.byShortName, prev.ShortName)
	} else {
		g.Version = 1
	}
	next.byID[g.ID] = &g
	next.byShortName[g.ShortName] = g.ID
	r.snap = next
	return nil
}

// Replace swaps the entire registry contents in one step.  Used on config
// reload: either every group registers or none do.
func (r *Registry) Replace(groups []ActionGroup) error {
	next := &Snapshot{
		byID:        make(map[string]*ActionGroup, len(groups)),
		byShortName: make(map[string]string, len(groups)),
	}
	for i := range groups {
		g := groups[i]
		if err := g.Validate(); err != nil {
			return err
		}
		if _, ok := next.byID[g.ID]; ok {
			return &ValidationError{Group: g.ID, Field: "id", Reason: "duplicate action group id"}
		}
		if owner, ok := next.byShortName[g.ShortName]; ok {
			return &ValidationError{Group: g.ID, Field: "shortName", Reason: fmt.Sprintf("%q already used by group %q", g.ShortName, owner)}
		}

		r.mu.Lock()
		if prev, ok := r.snap.byID[g.ID]; ok {
			g.Version = prev.Version + 1
		} else {
			g.Version = 1
		}
		r.mu.Unlock()

		next.byID[g.ID] = &g
		next.byShortName[g.ShortName] = g.ID
	}

	r.mu.Lock()
	next.escalation = r.snap.escalation
	r.snap = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) Resolve(id string) (*ActionGroup, error) {
	return r.Snapshot().Resolve(id)
}

func (r *Registry) ListReceiversFor(severity int, ids []string) ([]Receiver, error) {
	return r.Snapshot().ListReceiversFor(severity, ids)
}

// Snapshot returns the current immutable view of the registry.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Snapshot is a point-in-time view of registered groups.  Safe for
// unsynchronized concurrent reads.
type Snapshot struct {
	byID        map[string]*ActionGroup
	byShortName map[string]string
	escalation  map[int][]string
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		byID:        make(map[string]*ActionGroup, len(s.byID)),
		byShortName: make(map[string]string, len(s.byShortName)),
		escalation:  s.escalation,
	}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	for k, v := range s.byShortName {
		next.byShortName[k] = v
	}
	return next
}

func (s *Snapshot) Resolve(id string) (*ActionGroup, error) {
	g, ok := s.byID[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return g, nil
}

// ListReceiversFor returns the deduplicated union of receivers across the
// referenced groups plus any escalation groups configured for the severity,
// preserving first-seen order.  Rules may share action groups; a receiver is
// returned at most once even when reachable through several of them.
func (s *Snapshot) ListReceiversFor(severity int, ids []string) ([]Receiver, error) {
	if extra, ok := s.escalation[severity]; ok {
		ids = append(append([]string{}, ids...), extra...)
	}

	var out []Receiver
	seen := map[string]struct{}{}
	for _, id := range ids {
		g, err := s.Resolve(id)
		if err != nil {
			return nil, err
		}
		for _, recv := range g.Receivers {
			if _, ok := seen[recv.Key()]; ok {
				continue
			}
			seen[recv.Key()] = struct{}{}
			out = append(out, recv)
		}
	}
	return out, nil
}
