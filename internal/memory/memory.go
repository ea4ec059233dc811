// Package memory owns all MemoryEntry storage and indices: short-term
// conversation memory, episodic summaries, long-term concepts, contact
// profiles, and the journal/learning logs. It is the single writer of the
// memory file; other components reference entries by id only.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

// Kind classifies a memory entry.
type Kind string

const (
	KindShort    Kind = "short"
	KindEpisodic Kind = "episodic"
	KindLong     Kind = "long"
)

// Entry is one memory record.
type Entry struct {
	ID      string            `json:"id"`
	Kind    Kind              `json:"kind"`
	Content string            `json:"content"`
	Time    time.Time         `json:"time"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Summarizer condenses a batch of short memories into one episodic entry.
// The reasoning layer provides an LLM-backed implementation.
type Summarizer interface {
	Summarize(ctx context.Context, scopeID string, contents []string) (string, error)
}

// Manager stores entries and profile files under the data home.
type Manager struct {
	mu      sync.Mutex
	entries []*Entry
	path    string

	contactsDir string
	userFile    string
	journalPath string
	learnPath   string

	events bus.Publisher
}

// Options configure a Manager.
type Options struct {
	Path        string
	ContactsDir string
	UserFile    string
	JournalPath string
	LearnPath   string
	Events      bus.Publisher
}

func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		path:        opts.Path,
		contactsDir: opts.ContactsDir,
		userFile:    opts.UserFile,
		journalPath: opts.JournalPath,
		learnPath:   opts.LearnPath,
		events:      opts.Events,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read memory file: %w", err)
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return fmt.Errorf("memory file corrupted: %w", err)
	}
	return nil
}

// flush persists all entries atomically. Callers hold m.mu.
func (m *Manager) flush() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), "memory-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ResolveScope returns the stable session scope id for a (source,
// sourceId, userId) triple. Memory filtering, rate limits, and profile
// lookups all key off this value.
func ResolveScope(source, sourceID, userID string) string {
	if sourceID == "" {
		sourceID = "-"
	}
	key := fmt.Sprintf("scope:%s:%s", source, sourceID)
	if userID != "" && userID != sourceID {
		key += ":u" + userID
	}
	return key
}

// ResolveScope on the manager satisfies the dispatcher interface.
func (m *Manager) ResolveScope(source, sourceID, userID string) string {
	return ResolveScope(source, sourceID, userID)
}

// Save stores an entry. Long entries with a conceptId meta key are
// idempotent upserts; saving the same concept twice updates in place.
func (m *Manager) Save(e *Entry) error {
	if e.Content == "" {
		return errors.New("memory: empty content")
	}
	if e.Kind == "" {
		e.Kind = KindShort
	}
	if e.Kind == KindShort && (e.Meta == nil || e.Meta["sessionScopeId"] == "") {
		return errors.New("memory: short entries require a sessionScopeId")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	m.mu.Lock()
	replaced := false
	if e.Kind == KindLong && e.Meta != nil && e.Meta["conceptId"] != "" {
		for i, old := range m.entries {
			if old.Kind == KindLong && old.Meta != nil && old.Meta["conceptId"] == e.Meta["conceptId"] {
				e.ID = old.ID
				m.entries[i] = e
				replaced = true
				break
			}
		}
	}
	if !replaced {
		m.entries = append(m.entries, e)
	}
	err := m.flush()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist memory: %w", err)
	}

	if m.events != nil {
		m.events.Publish(protocol.EventMemorySaved, map[string]string{"id": e.ID, "kind": string(e.Kind)})
	}
	return nil
}

// SaveShort is the dispatcher-facing convenience for inbound messages.
func (m *Manager) SaveShort(scopeID, content string, meta map[string]string) error {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["sessionScopeId"] = scopeID
	return m.Save(&Entry{Kind: KindShort, Content: content, Meta: meta})
}

// Recent returns the newest limit entries, newest last.
func (m *Manager) Recent(limit int) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tail(m.entries, limit)
}

// ByAction returns all entries tagged with actionId, oldest first.
func (m *Manager) ByAction(actionID string) []*Entry {
	return m.Search("", func(e *Entry) bool {
		return e.Meta != nil && e.Meta["actionId"] == actionID
	})
}

// ByScope returns the newest limit short entries in a scope, oldest first.
func (m *Manager) ByScope(scopeID string, limit int) []*Entry {
	matches := m.Search(KindShort, func(e *Entry) bool {
		return e.Meta != nil && e.Meta["sessionScopeId"] == scopeID && e.Meta["consolidated"] == ""
	})
	return tail(matches, limit)
}

// Search returns copies of entries matching kind ("" = any) and pred
// (nil = all), oldest first.
func (m *Manager) Search(kind Kind, pred func(*Entry) bool) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for _, e := range m.entries {
		if kind != "" && e.Kind != kind {
			continue
		}
		if pred != nil && !pred(e) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Consolidate summarises the oldest batch of short entries in a scope into
// a single episodic entry once the threshold is crossed. Originals are
// marked consolidated, not deleted. Returns the episodic entry id ("" when
// below threshold).
func (m *Manager) Consolidate(ctx context.Context, scopeID string, threshold, batch int, s Summarizer) (string, error) {
	if threshold <= 0 || batch <= 0 || s == nil {
		return "", nil
	}

	live := m.ByScope(scopeID, 0)
	if len(live) < threshold {
		return "", nil
	}
	if batch > len(live) {
		batch = len(live)
	}
	oldest := live[:batch]

	contents := make([]string, len(oldest))
	ids := make(map[string]bool, len(oldest))
	for i, e := range oldest {
		contents[i] = e.Content
		ids[e.ID] = true
	}

	summary, err := s.Summarize(ctx, scopeID, contents)
	if err != nil {
		return "", fmt.Errorf("consolidate %s: %w", scopeID, err)
	}

	episodic := &Entry{
		Kind:    KindEpisodic,
		Content: summary,
		Meta: map[string]string{
			"sessionScopeId": scopeID,
			"batchSize":      fmt.Sprintf("%d", len(oldest)),
		},
	}
	if err := m.Save(episodic); err != nil {
		return "", err
	}

	m.mu.Lock()
	for _, e := range m.entries {
		if ids[e.ID] {
			if e.Meta == nil {
				e.Meta = map[string]string{}
			}
			e.Meta["consolidated"] = episodic.ID
		}
	}
	err = m.flush()
	m.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("persist consolidation: %w", err)
	}

	slog.Info("memory consolidated", "scope", scopeID, "batch", len(oldest), "episodic", episodic.ID)
	return episodic.ID, nil
}

// ShortScopeCounts returns, per scope, how many unconsolidated short
// entries it holds. The scheduler uses this to pick consolidation
// candidates.
func (m *Manager) ShortScopeCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, e := range m.entries {
		if e.Kind != KindShort || e.Meta == nil {
			continue
		}
		if e.Meta["consolidated"] != "" {
			continue
		}
		if scope := e.Meta["sessionScopeId"]; scope != "" {
			out[scope]++
		}
	}
	return out
}

// EpisodicHighlights returns the newest limit episodic entries for a scope.
func (m *Manager) EpisodicHighlights(scopeID string, limit int) []*Entry {
	matches := m.Search(KindEpisodic, func(e *Entry) bool {
		return e.Meta != nil && e.Meta["sessionScopeId"] == scopeID
	})
	return tail(matches, limit)
}

func tail(entries []*Entry, limit int) []*Entry {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

// ContactProfile reads the free-text profile for a contact jid.
func (m *Manager) ContactProfile(jid string) string {
	data, err := os.ReadFile(m.contactPath(jid))
	if err != nil {
		return ""
	}
	return string(data)
}

// SetContactProfile writes the profile text for a contact jid.
func (m *Manager) SetContactProfile(jid, text string) error {
	return os.WriteFile(m.contactPath(jid), []byte(text), 0o644)
}

func (m *Manager) contactPath(jid string) string {
	safe := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' || r == '@' {
			return r
		}
		return '_'
	}, jid)
	return filepath.Join(m.contactsDir, safe+".md")
}

// UserContext returns the operator profile text.
func (m *Manager) UserContext() string {
	data, err := os.ReadFile(m.userFile)
	if err != nil {
		return ""
	}
	return string(data)
}

// SetUserContext replaces the operator profile text.
func (m *Manager) SetUserContext(text string) error {
	return os.WriteFile(m.userFile, []byte(text), 0o644)
}

// AppendJournal appends a timestamped free-form reflection.
func (m *Manager) AppendJournal(text string) error { return appendLine(m.journalPath, text) }

// AppendLearning appends a timestamped knowledge note.
func (m *Manager) AppendLearning(text string) error { return appendLine(m.learnPath, text) }

// JournalTail returns the last n lines of the journal file.
func (m *Manager) JournalTail(n int) string { return tailLines(m.journalPath, n) }

// LearningTail returns the last n lines of the learning file.
func (m *Manager) LearningTail(n int) string { return tailLines(m.learnPath, n) }

func appendLine(path, text string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "[%s] %s\n", time.Now().Format(time.RFC3339), strings.ReplaceAll(text, "\n", " "))
	return err
}

func tailLines(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// SemanticSearchText is SemanticSearch with the hits flattened to
// content strings, for callers that only compose prompt text.
func (m *Manager) SemanticSearchText(query string, limit int) []string {
	hits := m.SemanticSearch(query, limit)
	out := make([]string, 0, len(hits))
	for _, e := range hits {
		out = append(out, e.Content)
	}
	return out
}

// SemanticSearch ranks entries against the query. The ranker is a lexical
// token-overlap score with a recency tiebreak; callers only rely on the
// ordering contract.
func (m *Manager) SemanticSearch(query string, limit int) []*Entry {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		e     *Entry
		score float64
	}

	m.mu.Lock()
	var ranked []scored
	for _, e := range m.entries {
		s := overlapScore(terms, tokenize(e.Content))
		if s > 0 {
			cp := *e
			ranked = append(ranked, scored{&cp, s})
		}
	}
	m.mu.Unlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].e.Time.After(ranked[j].e.Time)
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]*Entry, len(ranked))
	for i, r := range ranked {
		out[i] = r.e
	}
	return out
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		if len(w) >= 3 {
			out[w] = true
		}
	}
	return out
}

func overlapScore(query, doc map[string]bool) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if doc[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
