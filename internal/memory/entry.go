// Package memory holds a run's working memory: the plan, findings and
// progress sections, the conversation turns sent to the oracle, and the
// archive of content the compactor moved out of context.
package memory

import (
	"fmt"
	"time"
)

// Section names one of the three working memory files.
type Section string

const (
	SectionPlan     Section = "plan"
	SectionFindings Section = "findings"
	SectionProgress Section = "progress"
)

// Sections lists the sections in render order.
var Sections = []Section{SectionPlan, SectionFindings, SectionProgress}

func (s Section) valid() bool {
	return s == SectionPlan || s == SectionFindings || s == SectionProgress
}

// fileName is the rendered markdown file the section mirrors to.
func (s Section) fileName() string {
	switch s {
	case SectionPlan:
		return "task_plan.md"
	default:
		return string(s) + ".md"
	}
}

// Entry kinds.
const (
	KindRoadmap   = "roadmap"
	KindFinding   = "finding"
	KindAction    = "action"
	KindResult    = "result"
	KindError     = "error"
	KindReflect   = "reflect"
	KindNote      = "note"
	KindCompacted = "compacted"
)

// Pointer records where compacted content went so it can be recovered.
type Pointer struct {
	Source        string    `json:"source"`
	OriginalSize  int       `json:"original_size"`
	Description   string    `json:"description"`
	RetrievalHint string    `json:"retrieval_hint"`
	At            time.Time `json:"at"`
}

func (p Pointer) String() string {
	return fmt.Sprintf("[archived %d bytes at %s: %s; %s]", p.OriginalSize, p.Source, p.Description, p.RetrievalHint)
}

// Entry is one timestamped record in a section.
type Entry struct {
	Seq     int64     `json:"seq"`
	Section Section   `json:"section"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	Content string    `json:"content"`
	Source  string    `json:"source,omitempty"`
	Refs    []string  `json:"refs,omitempty"`
	Pointer *Pointer  `json:"pointer,omitempty"`
}

// Compacted reports whether the entry was rewritten by the compactor.
func (e Entry) Compacted() bool { return e.Pointer != nil }

func (e Entry) clone() Entry {
	c := e
	if e.Refs != nil {
		c.Refs = append([]string(nil), e.Refs...)
	}
	if e.Pointer != nil {
		p := *e.Pointer
		c.Pointer = &p
	}
	return c
}
