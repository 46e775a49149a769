package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"carelink-coordinator/internal/models"
)

// RecordTransition 追加一条状态转换审计记录
func (r *AlertRepository) RecordTransition(ctx context.Context, transition *models.AlertTransition) error {
	if transition == nil {
		return fmt.Errorf("transition is required")
	}
	if transition.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	var intentJSON []byte
	if transition.Intent != nil {
		data, err := json.Marshal(transition.Intent)
		if err != nil {
			return fmt.Errorf("failed to marshal dispatch intent: %w", err)
		}
		intentJSON = data
	}

	query := `
		INSERT INTO alert_transitions (
			alert_id,
			seq,
			from_status,
			to_status,
			tier,
			reason,
			intent,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		transition.AlertID,
		int64(transition.Seq),
		string(transition.FromStatus),
		string(transition.ToStatus),
		transition.Tier,
		transition.Reason,
		intentJSON,
		transition.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return nil
}

// ListEmittedIntents 读取某报警各梯队首次生成的派发意图。
// 同一梯队可能因宽限期回退而多次携带意图，取最早一条保证重放载荷不变
func (r *AlertRepository) ListEmittedIntents(ctx context.Context, alertID string) (map[int]*models.DispatchIntent, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT DISTINCT ON (tier)
			tier,
			intent
		FROM alert_transitions
		WHERE alert_id = $1
		  AND intent IS NOT NULL
		ORDER BY tier, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list emitted intents: %w", err)
	}
	defer rows.Close()

	intents := make(map[int]*models.DispatchIntent)
	for rows.Next() {
		var tier int
		var intentJSON []byte
		if err := rows.Scan(&tier, &intentJSON); err != nil {
			return nil, fmt.Errorf("failed to scan intent row: %w", err)
		}

		var intent models.DispatchIntent
		if err := json.Unmarshal(intentJSON, &intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dispatch intent: %w", err)
		}
		intents[tier] = &intent
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate intents: %w", err)
	}

	return intents, nil
}

// ListTransitions 按时间序读取某报警的全部转换记录（报表导出用）
func (r *AlertRepository) ListTransitions(ctx context.Context, alertID string) ([]*models.AlertTransition, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			id,
			alert_id,
			seq,
			from_status,
			to_status,
			tier,
			reason,
			intent,
			created_at
		FROM alert_transitions
		WHERE alert_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*models.AlertTransition
	for rows.Next() {
		var tr models.AlertTransition
		var seq int64
		var fromStatus, toStatus string
		var intentJSON []byte

		err := rows.Scan(
			&tr.ID,
			&tr.AlertID,
			&seq,
			&fromStatus,
			&toStatus,
			&tr.Tier,
			&tr.Reason,
			&intentJSON,
			&tr.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}

		tr.Seq = uint64(seq)
		tr.FromStatus = models.AlertStatus(fromStatus)
		tr.ToStatus = models.AlertStatus(toStatus)
		if len(intentJSON) > 0 {
			var intent models.DispatchIntent
			if err := json.Unmarshal(intentJSON, &intent); err != nil {
				return nil, fmt.Errorf("failed to unmarshal dispatch intent: %w", err)
			}
			tr.Intent = &intent
		}
		transitions = append(transitions, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transitions: %w", err)
	}

	return transitions, nil
}
