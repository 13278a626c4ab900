package repositories

import (
	"context"
	"fmt"
	"time"

	"GreetingCardBot/internal/models/domain"
)

// RecordGeneration inserts one finished render into the audit log.
func (r *Repository) RecordGeneration(ctx context.Context, g *domain.Generation) error {
	op := "Repository.RecordGeneration"

	query := `INSERT INTO generations
		(id, bot_id, chat_id, name_primary, name_secondary, size, design, status, error_text, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`
	err := r.DB.QueryRowContext(ctx, query,
		g.ID, g.BotID, g.ChatID, g.NamePrimary, g.NameSecondary,
		g.Size, g.Design, g.Status, g.ErrorText, g.Duration.Milliseconds()).
		Scan(&g.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetRecentGenerations returns the latest finished renders for one bot.
func (r *Repository) GetRecentGenerations(ctx context.Context, botID string, limit int) ([]domain.Generation, error) {
	op := "Repository.GetRecentGenerations"

	rows, err := r.DB.QueryxContext(ctx, `SELECT id, bot_id, chat_id, name_primary, name_secondary,
		size, design, status, error_text, duration_ms, created_at
		FROM generations WHERE bot_id = $1
		ORDER BY created_at DESC LIMIT $2`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Generation
	for rows.Next() {
		var g domain.Generation
		var durationMs int64
		if err := rows.Scan(&g.ID, &g.BotID, &g.ChatID, &g.NamePrimary, &g.NameSecondary,
			&g.Size, &g.Design, &g.Status, &g.ErrorText, &durationMs, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		g.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// CountGenerationsSince returns how many renders finished for a bot after t,
// grouped by status.
func (r *Repository) CountGenerationsSince(ctx context.Context, botID string, t time.Time) (map[domain.Status]int, error) {
	op := "Repository.CountGenerationsSince"

	rows, err := r.DB.QueryxContext(ctx, `SELECT status, COUNT(*)
		FROM generations WHERE bot_id = $1 AND created_at >= $2
		GROUP BY status`, botID, t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status domain.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return counts, nil
}
