package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"swarmview/mirror/internal/logging"
)

// RetentionPolicy bounds how many sessions stay on disk and for how long.
// Zero disables a bound.
type RetentionPolicy struct {
	MaxSessions int
	MaxAge      time.Duration
}

// StorageStats summarises the sessions kept by the last sweep.
type StorageStats struct {
	Sessions  int       `json:"sessions"`
	Bytes     int64     `json:"bytes"`
	LastSweep time.Time `json:"last_sweep"`
}

// Cleaner prunes session directories under dir. The directory returned by
// active is never removed.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	active func() string
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner. active may be nil.
func NewCleaner(dir string, policy RetentionPolicy, active func() string, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	if active == nil {
		active = func() string { return "" }
	}
	return &Cleaner{
		dir:    dir,
		policy: policy,
		active: active,
		log:    logger.With(logging.String("component", "replay_retention")),
		now:    time.Now,
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the figures of the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type sessionDir struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	//1.- Walk sessions newest first so the count limit keeps the recent ones.
	sessions := c.collect(entries)
	now := c.now()
	active := filepath.Clean(c.active())
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, session := range sessions {
		//2.- The active session survives any policy.
		remove, reason := c.shouldRemove(session, now, kept)
		if remove && session.path != active {
			err := os.RemoveAll(session.path)
			if err == nil {
				c.log.Info("replay retention removed session", logging.String("path", session.path), logging.String("reason", reason))
				continue
			}
			c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("path", session.path))
		}
		kept++
		stats.Sessions++
		stats.Bytes += session.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// collect returns the session directories newest first. A session's age is
// the modification time of its most recently written file.
func (c *Cleaner) collect(entries []os.DirEntry) []sessionDir {
	sessions := make([]sessionDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		session := sessionDir{path: path}
		if info, err := entry.Info(); err == nil {
			session.modTime = info.ModTime()
		}
		err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			session.size += info.Size()
			if info.ModTime().After(session.modTime) {
				session.modTime = info.ModTime()
			}
			return nil
		})
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].modTime.After(sessions[j].modTime) })
	return sessions
}

func (c *Cleaner) shouldRemove(session sessionDir, now time.Time, kept int) (bool, string) {
	var reasons []string
	if c.policy.MaxAge > 0 && now.Sub(session.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxSessions > 0 && kept >= c.policy.MaxSessions {
		reasons = append(reasons, fmt.Sprintf(">=%d sessions", c.policy.MaxSessions))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}
