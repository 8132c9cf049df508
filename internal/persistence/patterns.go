package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/taskpilot/internal/rootcause"
)

// PatternStore is the SQLite rootcause.PatternStore. It is shared by every
// run that opens the same database.
type PatternStore struct {
	s   *Store
	now func() time.Time
}

// Patterns returns the failure pattern view of s.
func (s *Store) Patterns() *PatternStore {
	return &PatternStore{s: s, now: time.Now}
}

func (p *PatternStore) RecordPattern(ctx context.Context, signature string, category rootcause.Category) (rootcause.Pattern, error) {
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(p.now())
		cat, tool := rootcause.SplitSignature(signature)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failure_patterns (signature, category, tool, occurrences, root_causes, first_seen, last_seen)
			VALUES (?, ?, ?, 0, '[]', ?, ?)
			ON CONFLICT(signature) DO NOTHING;
		`, signature, string(cat), tool, now, now); err != nil {
			return fmt.Errorf("insert pattern: %w", err)
		}

		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT root_causes FROM failure_patterns WHERE signature = ?;`, signature).Scan(&raw); err != nil {
			return fmt.Errorf("read root causes: %w", err)
		}
		var causes []rootcause.Category
		if err := json.Unmarshal([]byte(raw), &causes); err != nil {
			return fmt.Errorf("decode root causes: %w", err)
		}
		if category != "" && !slices.Contains(causes, category) {
			causes = append(causes, category)
		}
		encoded, err := json.Marshal(causes)
		if err != nil {
			return fmt.Errorf("encode root causes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE failure_patterns
			SET occurrences = occurrences + 1, root_causes = ?, last_seen = ?
			WHERE signature = ?;
		`, string(encoded), now, signature); err != nil {
			return fmt.Errorf("update pattern: %w", err)
		}
		return nil
	})
	if err != nil {
		return rootcause.Pattern{}, fmt.Errorf("record pattern %s: %w", signature, err)
	}
	pat, _, err := p.Get(ctx, signature)
	return pat, err
}

func (p *PatternStore) RecordSuccess(ctx context.Context, signature, strategy string) error {
	if strategy == "" {
		return nil
	}
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(p.now())
		cat, tool := rootcause.SplitSignature(signature)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failure_patterns (signature, category, tool, occurrences, root_causes, first_seen, last_seen)
			VALUES (?, ?, ?, 0, '[]', ?, ?)
			ON CONFLICT(signature) DO NOTHING;
		`, signature, string(cat), tool, now, now); err != nil {
			return fmt.Errorf("insert pattern: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pattern_strategies (signature, strategy, successes) VALUES (?, ?, 1)
			ON CONFLICT(signature, strategy) DO UPDATE SET successes = successes + 1;
		`, signature, strategy); err != nil {
			return fmt.Errorf("upsert strategy: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success %s: %w", signature, err)
	}
	return nil
}

func (p *PatternStore) GetSolution(ctx context.Context, signature string) (string, bool, error) {
	var strategy string
	err := p.s.db.QueryRowContext(ctx, `
		SELECT strategy FROM pattern_strategies
		WHERE signature = ? AND successes > 0
		ORDER BY successes DESC, pos ASC LIMIT 1;
	`, signature).Scan(&strategy)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get solution: %w", err)
	}
	return strategy, true, nil
}

func (p *PatternStore) Get(ctx context.Context, signature string) (rootcause.Pattern, bool, error) {
	row := p.s.db.QueryRowContext(ctx, `
		SELECT signature, category, tool, occurrences, root_causes, first_seen, last_seen
		FROM failure_patterns WHERE signature = ?;
	`, signature)
	pat, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rootcause.Pattern{}, false, nil
	}
	if err != nil {
		return rootcause.Pattern{}, false, fmt.Errorf("get pattern: %w", err)
	}
	if pat.Strategies, err = p.strategies(ctx, signature); err != nil {
		return rootcause.Pattern{}, false, err
	}
	return pat, true, nil
}

// List returns every pattern, most frequent first.
func (p *PatternStore) List(ctx context.Context) ([]rootcause.Pattern, error) {
	rows, err := p.s.db.QueryContext(ctx, `
		SELECT signature, category, tool, occurrences, root_causes, first_seen, last_seen
		FROM failure_patterns ORDER BY occurrences DESC, signature ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	var out []rootcause.Pattern
	for rows.Next() {
		pat, err := scanPattern(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, pat)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// One connection: strategies are loaded after the pattern cursor is closed.
	for i := range out {
		if out[i].Strategies, err = p.strategies(ctx, out[i].Signature); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PatternStore) strategies(ctx context.Context, signature string) ([]rootcause.StrategyStat, error) {
	rows, err := p.s.db.QueryContext(ctx, `
		SELECT strategy, successes FROM pattern_strategies WHERE signature = ? ORDER BY pos ASC;
	`, signature)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()
	var out []rootcause.StrategyStat
	for rows.Next() {
		var st rootcause.StrategyStat
		if err := rows.Scan(&st.Name, &st.Successes); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *PatternStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := p.s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func scanPattern(r rowScanner) (rootcause.Pattern, error) {
	var (
		pat         rootcause.Pattern
		cat, causes string
		first, last string
	)
	if err := r.Scan(&pat.Signature, &cat, &pat.Tool, &pat.Occurrences, &causes, &first, &last); err != nil {
		return rootcause.Pattern{}, err
	}
	pat.Category = rootcause.Category(cat)
	if err := json.Unmarshal([]byte(causes), &pat.RootCauses); err != nil {
		return rootcause.Pattern{}, fmt.Errorf("decode root causes of %s: %w", pat.Signature, err)
	}
	pat.FirstSeen = parseTime(first)
	pat.LastSeen = parseTime(last)
	return pat, nil
}

var _ rootcause.PatternStore = (*PatternStore)(nil)
