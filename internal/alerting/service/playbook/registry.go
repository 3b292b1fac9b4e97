package playbook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/qiniu/remediator/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// Snapshot is one complete, immutable rule set.
type Snapshot struct {
	Playbooks []*Playbook
	Source    string
	LoadedAt  time.Time
}

// NewSnapshot wraps already validated playbooks.
func NewSnapshot(playbooks []*Playbook, source string) *Snapshot {
	return &Snapshot{Playbooks: playbooks, Source: source, LoadedAt: time.Now()}
}

// Match returns the playbooks with at least one matching trigger, in
// configuration order. Remediation order depends on this ordering.
func (s *Snapshot) Match(a *model.Alert) []*Playbook {
	if s == nil || a == nil {
		return nil
	}
	var out []*Playbook
	for _, p := range s.Playbooks {
		if p.Matches(a) {
			out = append(out, p)
		}
	}
	return out
}

// Registry publishes the current snapshot to any number of concurrent
// readers. A reload builds a new snapshot off to the side and swaps it in,
// so a reader sees either the old or the new rule set in full.
type Registry struct {
	current atomic.Pointer[Snapshot]
	writeMu sync.Mutex
}

// NewRegistry starts with the given snapshot; nil means an empty rule set.
func NewRegistry(s *Snapshot) *Registry {
	if s == nil {
		s = NewSnapshot(nil, "")
	}
	r := &Registry{}
	r.current.Store(s)
	return r
}

// Snapshot returns the rule set currently in effect.
func (r *Registry) Snapshot() *Snapshot { return r.current.Load() }

// Match evaluates the alert against the current snapshot.
func (r *Registry) Match(a *model.Alert) []*Playbook { return r.Snapshot().Match(a) }

// Swap installs s and returns the previous snapshot.
func (r *Registry) Swap(s *Snapshot) *Snapshot {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.current.Swap(s)
}

// Reload parses path and swaps the result in. On error the previous rule set
// stays active.
func (r *Registry) Reload(path string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	playbooks, err := LoadFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("playbook reload failed, keeping previous rule set")
		return err
	}
	r.current.Store(NewSnapshot(playbooks, path))
	log.Info().Str("path", path).Int("playbooks", len(playbooks)).Msg("playbooks loaded")
	return nil
}
