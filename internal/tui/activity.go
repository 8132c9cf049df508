package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskpilot/internal/bus"
)

type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	StartedAt time.Time
	DoneAt    *time.Time
	Note      string
}

// ActivityFeed is the rolling list of recent task attempts and run
// milestones. It is shared between the bus consumer and the view.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
	seen      *bus.Deduper
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10, collapsed: true, seen: bus.NewDeduper()}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
	f.collapsed = false // auto-expand
}

// Complete marks the newest open item with id as done.
func (f *ActivityFeed) Complete(id, icon, note string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for i := len(f.items) - 1; i >= 0; i-- {
		if f.items[i].ID == id && f.items[i].DoneAt == nil {
			f.items[i].Icon = icon
			f.items[i].DoneAt = &now
			f.items[i].Note = note
			return
		}
	}
}

// Apply turns a run event into feed entries. A redelivered transition is
// ignored.
func (f *ActivityFeed) Apply(ev bus.RunEvent) {
	if !f.seen.First(ev) {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	switch ev.Type {
	case bus.TopicTaskStart:
		f.Add(ActivityItem{ID: ev.TaskID, Icon: "⏳", Message: "task " + ev.TaskID, StartedAt: at})
	case bus.TopicTaskComplete:
		f.Complete(ev.TaskID, "✅", "")
	case bus.TopicTaskFailed:
		note := ""
		if p, ok := ev.Data.(bus.TaskFailed); ok {
			note = truncate(p.ErrorMessage, 60)
		}
		f.Complete(ev.TaskID, "❌", note)
	case bus.TopicTaskSkipped:
		f.Add(ActivityItem{ID: ev.TaskID, Icon: "⏭", Message: "skipped " + ev.TaskID, StartedAt: at, DoneAt: &at})
	case bus.TopicTaskReflect:
		msg := "reflect on " + ev.TaskID
		if p, ok := ev.Data.(bus.TaskReflect); ok && p.Strategy != "" {
			msg += " → " + p.Strategy
		}
		f.Add(ActivityItem{ID: "reflect-" + ev.TaskID, Icon: "🔍", Message: msg, StartedAt: at, DoneAt: &at})
	case bus.TopicCheckpointSaved:
		f.Add(ActivityItem{ID: "cp", Icon: "💾", Message: fmt.Sprintf("checkpoint @%d", ev.Iteration), StartedAt: at, DoneAt: &at})
	case bus.TopicCheckpointRest:
		f.Add(ActivityItem{ID: "cp", Icon: "↩", Message: fmt.Sprintf("rolled back @%d", ev.Iteration), StartedAt: at, DoneAt: &at})
	case bus.TopicBudgetWarning:
		msg := "budget warning"
		if p, ok := ev.Data.(bus.BudgetWarning); ok {
			msg = fmt.Sprintf("budget %s at %.0f%%", p.Kind, p.UsageRatio*100)
		}
		f.Add(ActivityItem{ID: "budget", Icon: "⚠", Message: msg, StartedAt: at, DoneAt: &at})
	}
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d recent events (a to expand) ──", len(f.items))) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	noteS := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil {
			if dur := it.DoneAt.Sub(it.StartedAt).Truncate(100 * time.Millisecond); dur > 0 {
				line += fmt.Sprintf(" (%s)", dur)
			}
		} else {
			line += fmt.Sprintf(" (%s)", time.Since(it.StartedAt).Truncate(time.Second))
		}
		out.WriteString(itemS.Render(line))
		if it.Note != "" {
			out.WriteString(" " + noteS.Render(it.Note))
		}
		out.WriteString("\n")
	}
	return out.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
