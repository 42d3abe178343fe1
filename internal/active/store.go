// Package active keeps each user's bounded set of recallable chats.
// Every user has one JSON file holding an array of chats. Reads are
// lenient: a missing or corrupt file is an empty set, never an error.
//
// Access to a single user's file is serialized by an in-process mutex
// and files are replaced by rename, so readers never observe a partial
// write. Nothing coordinates separate processes sharing a data dir.
package active

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gitNoodler/wankr-sub000/internal/chat"
	"github.com/gitNoodler/wankr-sub000/internal/metrics"
	"github.com/gitNoodler/wankr-sub000/internal/paths"
)

// Defaults for [Config].
const (
	DefaultMaxChats     = 20
	DefaultStaleAfter   = 7 * 24 * time.Hour
	DefaultMinExchanges = 5
)

const fileExt = ".json"

// Config controls store limits and the stale predicate.
type Config struct {
	// MaxChats caps each user's set; the oldest by CreatedAt overflows.
	MaxChats int
	// StaleAfter is how long a low-value chat may sit untouched
	// before the sweep drops it.
	StaleAfter time.Duration
	// MinExchanges is the exchange count at which a chat is never stale.
	MinExchanges int
	// Roles decides which messages count toward an exchange.
	Roles chat.Roles
}

func (c *Config) applyDefaults() {
	if c.MaxChats <= 0 {
		c.MaxChats = DefaultMaxChats
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.MinExchanges <= 0 {
		c.MinExchanges = DefaultMinExchanges
	}
	if len(c.Roles.Human) == 0 && len(c.Roles.Agent) == 0 {
		c.Roles = chat.DefaultRoles()
	}
}

// Store is the file-backed active chat store.
type Store struct {
	dir     string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	locks sync.Map // user -> *sync.Mutex
}

// NewStore creates a store that keeps one file per user in dir.
func NewStore(dir string, cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Store {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:     dir,
		cfg:     cfg,
		logger:  logger.With("component", "active"),
		metrics: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Load returns the user's chats. A user with no file, or an
// unreadable one, has an empty set.
func (s *Store) Load(user string) []chat.Chat {
	mu := s.lock(user)
	mu.Lock()
	defer mu.Unlock()

	chats, err := s.read(s.path(user))
	if err != nil {
		s.logger.Warn("active chat file unreadable, treating as empty",
			"user", user, "error", err)
		return []chat.Chat{}
	}
	return chats
}

// Add upserts c by ID. An existing entry is replaced in place with its
// original CreatedAt kept, and nil is returned. A new entry is
// appended; if that pushes the set over MaxChats, the chat with the
// oldest CreatedAt is removed and returned as the overflow.
func (s *Store) Add(user string, c chat.Chat) (*chat.Chat, error) {
	mu := s.lock(user)
	mu.Lock()
	defer mu.Unlock()

	chats := s.readLenient(user)
	now := s.now()
	c.UpdatedAt = now

	if i := indexOf(chats, c.ID); i >= 0 {
		c.CreatedAt = chats[i].CreatedAt
		chats[i] = c
		if err := s.write(user, chats); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	chats = append(chats, c)
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].CreatedAt.Before(chats[j].CreatedAt)
	})

	var overflow *chat.Chat
	if len(chats) > s.cfg.MaxChats {
		oldest := chats[0]
		overflow = &oldest
		chats = chats[1:]
	}

	if err := s.write(user, chats); err != nil {
		return nil, err
	}
	if overflow != nil {
		s.metrics.Evicted()
		s.logger.Info("active chat evicted by cap",
			"user", user, "chat", overflow.ID, "cap", s.cfg.MaxChats)
	}
	return overflow, nil
}

// Get returns the stored copy of one chat, or nil if the user has no
// chat with that id.
func (s *Store) Get(user, id string) *chat.Chat {
	for _, c := range s.Load(user) {
		if c.ID == id {
			return &c
		}
	}
	return nil
}

// Remove deletes the chat with the given id and returns it, or nil if
// the user has no such chat.
func (s *Store) Remove(user, id string) (*chat.Chat, error) {
	mu := s.lock(user)
	mu.Lock()
	defer mu.Unlock()

	chats := s.readLenient(user)
	i := indexOf(chats, id)
	if i < 0 {
		return nil, nil
	}
	removed := chats[i]
	chats = append(chats[:i], chats[i+1:]...)
	if err := s.write(user, chats); err != nil {
		return nil, err
	}
	return &removed, nil
}

// Update replaces an existing chat, keeping its CreatedAt and stamping
// UpdatedAt. It reports false without writing when the id is absent.
func (s *Store) Update(user string, c chat.Chat) (bool, error) {
	mu := s.lock(user)
	mu.Lock()
	defer mu.Unlock()

	chats := s.readLenient(user)
	i := indexOf(chats, c.ID)
	if i < 0 {
		return false, nil
	}
	c.CreatedAt = chats[i].CreatedAt
	c.UpdatedAt = s.now()
	chats[i] = c
	if err := s.write(user, chats); err != nil {
		return false, err
	}
	return true, nil
}

// IsStale reports whether c would be removed by a sweep at now.
func (s *Store) IsStale(c chat.Chat, now time.Time) bool {
	return s.cfg.Roles.ExchangeCount(c.Messages) < s.cfg.MinExchanges &&
		now.Sub(c.LastActivity()) >= s.cfg.StaleAfter
}

// SweepReport summarizes a sweep across all users.
type SweepReport struct {
	Users   int `json:"users"`
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
}

// Sweep removes stale chats from every user's set. A user whose file
// cannot be read or rewritten is logged and skipped; the sweep carries
// on with the rest. Removed chats are dropped, not archived.
func (s *Store) Sweep() (SweepReport, error) {
	var report SweepReport

	users, err := s.Users()
	if err != nil {
		return report, fmt.Errorf("list users: %w", err)
	}

	now := s.now()
	for _, user := range users {
		report.Users++
		removed, scanned, err := s.sweepUser(user, now)
		report.Scanned += scanned
		if err != nil {
			report.Skipped++
			s.logger.Warn("sweep skipped user", "user", user, "error", err)
			continue
		}
		report.Removed += removed
	}

	s.metrics.Swept(report.Removed, now)
	s.logger.Info("sweep complete",
		"users", report.Users,
		"scanned", report.Scanned,
		"removed", report.Removed,
		"skipped", report.Skipped,
	)
	return report, nil
}

func (s *Store) sweepUser(user string, now time.Time) (removed, scanned int, err error) {
	mu := s.lock(user)
	mu.Lock()
	defer mu.Unlock()

	chats, err := s.read(s.path(user))
	if err != nil {
		return 0, 0, err
	}

	kept := chats[:0]
	for _, c := range chats {
		if s.IsStale(c, now) {
			s.logger.Debug("sweeping stale chat", "user", user, "chat", c.ID)
			removed++
			continue
		}
		kept = append(kept, c)
	}
	if removed == 0 {
		return 0, len(chats), nil
	}
	if err := s.write(user, kept); err != nil {
		return 0, len(chats), err
	}
	return removed, len(chats), nil
}

// Users lists every user with a backing file, sorted.
func (s *Store) Users() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var users []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		users = append(users, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(users)
	return users, nil
}

// Count returns the total number of active chats across all users.
func (s *Store) Count() int {
	users, err := s.Users()
	if err != nil {
		return 0
	}
	n := 0
	for _, u := range users {
		n += len(s.Load(u))
	}
	return n
}

func (s *Store) lock(user string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(paths.Sanitize(user), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) path(user string) string {
	return filepath.Join(s.dir, paths.Sanitize(user)+fileExt)
}

// read returns an empty set for a missing file and an error for one
// that exists but cannot be read or parsed.
func (s *Store) read(path string) ([]chat.Chat, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []chat.Chat{}, nil
	}
	if err != nil {
		return nil, err
	}
	var chats []chat.Chat
	if err := json.Unmarshal(data, &chats); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	return chats, nil
}

func (s *Store) readLenient(user string) []chat.Chat {
	chats, err := s.read(s.path(user))
	if err != nil {
		s.logger.Warn("active chat file unreadable, starting empty",
			"user", user, "error", err)
		return []chat.Chat{}
	}
	return chats
}

// write replaces the user's file via a temp file and rename.
func (s *Store) write(user string, chats []chat.Chat) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.dir, err)
	}
	data, err := json.MarshalIndent(chats, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chats: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(user)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace active file for %s: %w", user, err)
	}
	return nil
}

func indexOf(chats []chat.Chat, id string) int {
	for i := range chats {
		if chats[i].ID == id {
			return i
		}
	}
	return -1
}
