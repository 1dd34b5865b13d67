package vector

import (
	"context"
	"time"
)

// Importance never decays below this; a memory that existed is never
// worth exactly nothing.
const importanceFloor = 0.01

// DecayImportance multiplies every non-permanent entry's importance by
// factor (0..1). Returns how many entries changed.
func (s *Store) DecayImportance(factor float64) int {
	if factor <= 0 || factor >= 1 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, e := range s.entries {
		if e.Permanent {
			continue
		}
		next := e.Importance * factor
		if next < importanceFloor {
			next = importanceFloor
		}
		if next != e.Importance {
			e.Importance = next
			changed++
		}
	}
	if changed > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("persist after decay failed", "error", err)
		}
	}
	return changed
}

// PruneExpired drops entries older than their TTL. Permanent entries
// and entries with no TTL are never pruned. Returns how many were
// removed.
func (s *Store) PruneExpired(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for id, e := range s.entries {
		if e.Permanent || e.TTLHours <= 0 {
			continue
		}
		if now.Sub(e.CreatedAt).Hours() <= e.TTLHours {
			continue
		}
		if err := s.col.Delete(ctx, nil, nil, id); err != nil {
			s.logger.Warn("unindex expired entry failed", "id", id, "error", err)
			continue
		}
		delete(s.entries, id)
		removed++
	}
	if removed > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("persist after prune failed", "error", err)
		}
		s.logger.Info("expired memories pruned", "removed", removed)
	}
	return removed
}

// Dedup finds near-duplicate pairs across the whole store and removes
// the less important entry of each pair. For every entry the five
// nearest neighbors are checked, so transitive duplicate chains shrink
// one link per pass. Returns how many entries were removed.
func (s *Store) Dedup(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	gone := make(map[string]bool)
	removed := 0

	for id, e := range s.entries {
		if gone[id] {
			continue
		}
		count := s.col.Count()
		if count < 2 {
			break
		}
		k := 5
		if k > count {
			k = count
		}
		hits, err := s.col.QueryEmbedding(ctx, e.Embedding, k, nil, nil)
		if err != nil {
			s.logger.Warn("dedup query failed", "id", id, "error", err)
			continue
		}
		for _, h := range hits {
			if h.ID == id || gone[h.ID] {
				continue
			}
			if float64(h.Similarity) < duplicateSimilarity {
				continue
			}
			other, ok := s.entries[h.ID]
			if !ok {
				continue
			}
			victim := other
			if !e.Permanent && (other.Permanent || e.Importance < other.Importance) {
				victim = e
			}
			if victim.Permanent {
				continue
			}
			if err := s.col.Delete(ctx, nil, nil, victim.ID); err != nil {
				s.logger.Warn("unindex duplicate failed", "id", victim.ID, "error", err)
				continue
			}
			delete(s.entries, victim.ID)
			gone[victim.ID] = true
			removed++
			if victim == e {
				break
			}
		}
	}

	if removed > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("persist after dedup failed", "error", err)
		}
		s.logger.Info("duplicate memories merged", "removed", removed)
	}
	return removed
}

// Stats describes the store for /memory/stats.
type Stats struct {
	Count         int            `json:"count"`
	Permanent     int            `json:"permanent"`
	BySource      map[string]int `json:"by_source"`
	AvgImportance float64        `json:"avg_importance"`
	OldestCreated *time.Time     `json:"oldest_created,omitempty"`
}

// Stats summarizes the store contents.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{BySource: make(map[string]int)}
	var sum float64
	for _, e := range s.entries {
		st.Count++
		if e.Permanent {
			st.Permanent++
		}
		st.BySource[e.Source]++
		sum += e.Importance
		if st.OldestCreated == nil || e.CreatedAt.Before(*st.OldestCreated) {
			t := e.CreatedAt
			st.OldestCreated = &t
		}
	}
	if st.Count > 0 {
		st.AvgImportance = sum / float64(st.Count)
	}
	return st
}
