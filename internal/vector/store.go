// Package vector is long-term memory: text entries embedded into a
// chromem-go collection and searched by cosine similarity. Entry
// metadata (importance, TTL, access history) lives in an in-process
// map persisted as gob; the chromem index is rebuilt from that map on
// load. Importance decays over time unless an entry is permanent, and
// near-duplicate entries merge instead of piling up.
package vector

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
)

// Near-duplicate boundary: cosine similarity at or above this means
// the texts say the same thing.
const duplicateSimilarity = 0.95

const (
	collectionName = "jarvis_memory"
	entriesFile    = "entries.gob"
)

// Embedder turns text into a vector. Same embedder must serve one
// store for its whole life; mixing providers breaks similarity.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Entry is one long-term memory.
type Entry struct {
	ID           string
	Content      string
	Source       string
	Importance   float64
	Permanent    bool
	TTLHours     float64 // -1 never expires
	AccessCount  int
	LastAccessed time.Time
	CreatedAt    time.Time
	Embedding    []float32
}

// Result is a search hit.
type Result struct {
	Entry      Entry
	Similarity float32
}

// Store holds the memory index. All methods are safe for concurrent
// use.
type Store struct {
	dir    string
	embed  Embedder
	logger *slog.Logger

	mu      sync.Mutex
	db      *chromem.DB
	col     *chromem.Collection
	entries map[string]*Entry
	dirty   bool
}

// New opens the store under dir, loading any persisted entries and
// rebuilding the search index from them.
func New(dir string, embed Embedder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		embed:   embed,
		logger:  logger.With("component", "vector"),
		db:      chromem.NewDB(),
		entries: make(map[string]*Entry),
	}

	// Pre-computed embeddings only; chromem must never call out.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embeddings are pre-computed")
	}
	col, err := s.db.GetOrCreateCollection(collectionName, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.col = col

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	path := filepath.Join(s.dir, entriesFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(&s.entries); err != nil {
		// A corrupt image means starting memory over, not crashing.
		s.logger.Error("memory image unreadable, starting empty", "path", path, "error", err)
		s.entries = make(map[string]*Entry)
		return nil
	}

	docs := make([]chromem.Document, 0, len(s.entries))
	for _, e := range s.entries {
		docs = append(docs, chromem.Document{
			ID:        e.ID,
			Content:   e.Content,
			Metadata:  map[string]string{"source": e.Source},
			Embedding: e.Embedding,
		})
	}
	if len(docs) > 0 {
		if err := s.col.AddDocuments(context.Background(), docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
	}
	s.logger.Info("memory loaded", "entries", len(s.entries))
	return nil
}

// persistLocked writes the entries map atomically. Callers hold mu.
func (s *Store) persistLocked() error {
	path := filepath.Join(s.dir, entriesFile)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := gob.NewEncoder(f).Encode(s.entries); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode entries: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	s.dirty = false
	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Add stores a memory. When an existing entry is nearly identical the
// new one is dropped and the old one keeps the higher importance of
// the two; the returned id then names the survivor and deduped is
// true. ttlHours <= 0 means the entry never expires.
func (s *Store) Add(ctx context.Context, content, source string, importance float64, permanent bool, ttlHours float64) (id string, deduped bool, err error) {
	if content == "" {
		return "", false, fmt.Errorf("empty content")
	}
	emb, err := s.embed.Generate(ctx, content)
	if err != nil {
		return "", false, fmt.Errorf("embed content: %w", err)
	}
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	if ttlHours <= 0 {
		ttlHours = -1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if nearest := s.nearestLocked(ctx, emb); nearest != nil {
		existing := s.entries[nearest.ID]
		if existing != nil && nearest.Similarity >= duplicateSimilarity {
			if importance > existing.Importance {
				existing.Importance = importance
			}
			if permanent {
				existing.Permanent = true
				existing.TTLHours = -1
			}
			if err := s.persistLocked(); err != nil {
				return "", false, err
			}
			return existing.ID, true, nil
		}
	}

	now := time.Now().UTC()
	e := &Entry{
		ID:           newID(),
		Content:      content,
		Source:       source,
		Importance:   importance,
		Permanent:    permanent,
		TTLHours:     ttlHours,
		LastAccessed: now,
		CreatedAt:    now,
		Embedding:    emb,
	}
	if permanent {
		e.TTLHours = -1
	}

	if err := s.indexLocked(ctx, e); err != nil {
		return "", false, err
	}
	s.entries[e.ID] = e
	if err := s.persistLocked(); err != nil {
		return "", false, err
	}
	return e.ID, false, nil
}

func (s *Store) indexLocked(ctx context.Context, e *Entry) error {
	doc := chromem.Document{
		ID:        e.ID,
		Content:   e.Content,
		Metadata:  map[string]string{"source": e.Source},
		Embedding: e.Embedding,
	}
	if err := s.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("index entry: %w", err)
	}
	return nil
}

// nearestLocked returns the single closest indexed entry, or nil when
// the index is empty or the query fails.
func (s *Store) nearestLocked(ctx context.Context, emb []float32) *chromem.Result {
	if s.col.Count() == 0 {
		return nil
	}
	res, err := s.col.QueryEmbedding(ctx, emb, 1, nil, nil)
	if err != nil || len(res) == 0 {
		return nil
	}
	return &res[0]
}

// Search returns up to k entries with similarity at or above
// threshold, best first, and records the access on each hit.
func (s *Store) Search(ctx context.Context, query string, k int, threshold float64) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	emb, err := s.embed.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	hits, err := s.col.QueryEmbedding(ctx, emb, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	now := time.Now().UTC()
	var out []Result
	for _, h := range hits {
		if float64(h.Similarity) < threshold {
			continue
		}
		e, ok := s.entries[h.ID]
		if !ok {
			continue
		}
		e.AccessCount++
		e.LastAccessed = now
		s.dirty = true
		out = append(out, Result{Entry: *e, Similarity: h.Similarity})
	}
	return out, nil
}

// Get returns a copy of the entry, or nil when unknown.
func (s *Store) Get(id string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// Forget removes an entry permanently.
func (s *Store) Forget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("no entry %s", id)
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("unindex entry: %w", err)
	}
	delete(s.entries, id)
	return s.persistLocked()
}

// ForgetBySource removes every entry with the given source. Used for
// clean re-imports (skills ingest). Returns how many were removed.
func (s *Store) ForgetBySource(ctx context.Context, source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.Source != source {
			continue
		}
		if err := s.col.Delete(ctx, nil, nil, id); err != nil {
			s.logger.Warn("unindex failed during source purge", "id", id, "error", err)
			continue
		}
		delete(s.entries, id)
		removed++
	}
	if removed > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("persist after source purge failed", "error", err)
		}
	}
	return removed
}

// MarkPermanent pins an entry: it never decays and never expires.
func (s *Store) MarkPermanent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("no entry %s", id)
	}
	e.Permanent = true
	e.TTLHours = -1
	return s.persistLocked()
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// List returns entry copies ordered newest first, skipping offset and
// returning at most limit. The dashboard pages through memory with it.
func (s *Store) List(offset, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, *e)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// Flush writes access-count updates accumulated since the last
// mutation. Cheap when nothing changed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persistLocked()
}

// Close flushes pending changes.
func (s *Store) Close() error {
	return s.Flush()
}
