package plan

import (
	"fmt"
	"time"
)

// Snapshot is the serializable state of a plan, embedded in checkpoints.
type Snapshot struct {
	ID      string `json:"id"`
	Goal    string `json:"goal"`
	Version int    `json:"version"`
	Tasks   []Task `json:"tasks"`
}

// Snapshot returns a deep copy of the plan state.
func (p *Plan) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{ID: p.id, Goal: p.goal, Version: p.version, Tasks: make([]Task, len(p.tasks))}
	for i, t := range p.tasks {
		s.Tasks[i] = t.Clone()
	}
	return s
}

// Restore replaces the plan state with s. Tasks that were running when the
// snapshot was taken come back as pending since their attempt never finished.
func (p *Plan) Restore(s Snapshot) error {
	list, err := restoredTasks(s)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = s.ID
	p.goal = s.Goal
	p.version = s.Version
	p.install(list)
	return nil
}

// FromSnapshot rebuilds a plan, used when resuming a run from storage.
func FromSnapshot(s Snapshot, opts ...Option) (*Plan, error) {
	list, err := restoredTasks(s)
	if err != nil {
		return nil, err
	}
	p := &Plan{
		id:      s.ID,
		goal:    s.Goal,
		version: s.Version,
		emitter: nopEmitter{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.install(list)
	return p, nil
}

func restoredTasks(s Snapshot) ([]Task, error) {
	if s.Version < 1 {
		return nil, fmt.Errorf("restore plan %s: invalid version %d", s.ID, s.Version)
	}
	if err := Validate(s.Tasks); err != nil {
		return nil, fmt.Errorf("restore plan %s: %w", s.ID, err)
	}
	list := make([]Task, len(s.Tasks))
	for i, t := range s.Tasks {
		c := t.Clone()
		if c.Status == StatusRunning {
			c.Status = StatusPending
			c.Meta.StartedAt = nil
		}
		list[i] = c
	}
	return list, nil
}
