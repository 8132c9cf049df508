package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/basket/taskpilot/internal/shared"
	"github.com/basket/taskpilot/internal/tools"
)

// candidate is the outcome of one exploration branch.
type candidate struct {
	act      Action
	res      tools.Result
	err      error
	accepted bool
}

// explores reports whether t is dispatched through parallel exploration:
// enabled, and the task offers more than one tool to try.
func (e *Engine) explores(t plan.Task) bool {
	return e.cfg.Exploration.Enabled && e.tools != nil && len(t.ToolHints) > 1
}

// explore runs up to three candidate actions for t concurrently, each
// against a fork of working memory and with only side-effect-free tools.
// The accepted candidate with the highest confidence is committed; the
// others leave nothing behind.
func (e *Engine) explore(ctx context.Context, rs *runState, t plan.Task) (Action, tools.Result, error) {
	n := min(e.cfg.Exploration.Candidates, len(t.ToolHints), maxCandidates)
	cands := make([]candidate, n)

	var wg sync.WaitGroup
	for i := range n {
		branch := rs.mem.Fork()
		req := e.actionRequest(ctx, rs, branch, t, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			cands[i] = e.runCandidate(shared.WithBranch(ctx, i), branch, t, req)
		}()
	}
	wg.Wait()

	best := -1
	tokens := 0
	for i, c := range cands {
		tokens += c.act.Tokens
		if c.err != nil {
			continue
		}
		if best < 0 || better(c, cands[best]) {
			best = i
		}
	}
	if best < 0 {
		errs := make([]error, 0, n)
		for _, c := range cands {
			errs = append(errs, c.err)
		}
		return Action{Tokens: tokens}, tools.Result{}, errors.Join(errs...)
	}

	rs.logger.Info("exploration committed",
		"task_id", t.ID,
		"branch", best,
		"candidates", n,
		"tool", cands[best].act.Tool,
		"confidence", cands[best].act.Confidence,
		"accepted", cands[best].accepted)
	rs.note(memory.KindNote, t.ID, fmt.Sprintf("explored %d candidates, committed branch %d (%s)", n, best, cands[best].act.Tool))
	act := cands[best].act
	act.Tokens = tokens
	return act, cands[best].res, nil
}

func (e *Engine) runCandidate(ctx context.Context, branch *memory.Store, t plan.Task, req ActionRequest) candidate {
	act, err := e.oracle.Propose(ctx, req)
	if err != nil {
		return candidate{act: act, err: err}
	}
	var res tools.Result
	switch act.Type {
	case ActionAnswer:
		res = tools.Result{Status: tools.StatusSuccess, Output: act.Answer}
	case ActionToolCall:
		if !e.tools.IsSideEffectFree(act.Tool) {
			return candidate{act: act, err: fmt.Errorf("%w: %s", tools.ErrSideEffect, act.Tool)}
		}
		res = e.invoke(ctx, act)
	default:
		return candidate{act: act, err: fmt.Errorf("invalid input: oracle returned unknown action type %q", act.Type)}
	}

	kind, content := memory.KindResult, res.Output
	if !res.OK() {
		kind, content = memory.KindError, res.ErrorDetail
	}
	_, _ = branch.Append(memory.SectionProgress, memory.Entry{Kind: kind, TaskID: t.ID, Content: content, Source: act.Tool})

	accepted := res.OK() && checkAcceptance(t.Acceptance, res.Output) == nil
	return candidate{act: act, res: res, accepted: accepted}
}

// better ranks accepted results first, then confidence. Ties keep the
// earlier branch.
func better(a, b candidate) bool {
	if a.accepted != b.accepted {
		return a.accepted
	}
	return a.act.Confidence > b.act.Confidence
}
