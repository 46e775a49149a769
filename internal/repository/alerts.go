// Package repository 实现 care_alerts 与 alert_transitions 两张表的持久化。
// 引擎以内存状态为权威，这里承担审计留痕与重启恢复两个职责
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"carelink-coordinator/internal/models"

	"go.uber.org/zap"
)

// AlertRepository 报警仓库
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlert 写入新报警
func (r *AlertRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if alert.CorrelationKey == "" {
		return fmt.Errorf("correlation_key is required")
	}

	var contextJSON []byte
	if len(alert.Context) > 0 {
		data, err := json.Marshal(alert.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal alert context: %w", err)
		}
		contextJSON = data
	}

	query := `
		INSERT INTO care_alerts (
			alert_id,
			correlation_key,
			subject_id,
			domain,
			kind,
			severity,
			priority,
			status,
			escalation_tier,
			tier_entered_at,
			tier_deadline,
			first_seen_at,
			last_seen_at,
			context,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		alert.AlertID,
		alert.CorrelationKey,
		alert.SubjectID,
		string(alert.Domain),
		alert.Kind,
		alert.Severity.String(),
		alert.Priority,
		string(alert.Status),
		alert.EscalationTier,
		alert.TierEnteredAt,
		alert.TierDeadline,
		alert.FirstSeenAt,
		alert.LastSeenAt,
		contextJSON,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// UpdateAlert 部分更新报警（updates 为字段 → 新值）
func (r *AlertRepository) UpdateAlert(ctx context.Context, alertID string, updates map[string]interface{}) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if len(updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	// 允许更新的字段
	allowedFields := map[string]bool{
		"severity":        true,
		"priority":        true,
		"status":          true,
		"escalation_tier": true,
		"tier_entered_at": true,
		"tier_deadline":   true,
		"last_seen_at":    true,
		"ack_by":          true,
		"ack_at":          true,
		"resolved_at":     true,
		"resolution":      true,
		"context":         true,
	}

	setParts := []string{}
	args := []interface{}{}
	argN := 1

	for field, value := range updates {
		if !allowedFields[field] {
			return fmt.Errorf("field '%s' is not allowed to update", field)
		}
		// context 列为 JSONB，入库前序列化
		if field == "context" {
			data, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to marshal alert context: %w", err)
			}
			value = data
		}
		setParts = append(setParts, fmt.Sprintf("%s = $%d", field, argN))
		args = append(args, value)
		argN++
	}

	// 自动更新 updated_at
	setParts = append(setParts, "updated_at = CURRENT_TIMESTAMP")

	args = append(args, alertID)
	query := fmt.Sprintf(`
		UPDATE care_alerts
		SET %s
		WHERE alert_id = $%d
	`, strings.Join(setParts, ", "), argN)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found: alert_id=%s: %w", alertID, models.ErrUnknownAlert)
	}

	return nil
}

// GetAlert 按 alert_id 读取单个报警
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			alert_id,
			correlation_key,
			subject_id,
			domain,
			kind,
			severity,
			priority,
			status,
			escalation_tier,
			tier_entered_at,
			tier_deadline,
			first_seen_at,
			last_seen_at,
			ack_by,
			ack_at,
			resolved_at,
			resolution,
			context,
			created_at,
			updated_at
		FROM care_alerts
		WHERE alert_id = $1
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: alert_id=%s: %w", alertID, models.ErrUnknownAlert)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// ListActiveAlerts 读取全部未解除的报警（重启恢复用）
func (r *AlertRepository) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	query := `
		SELECT
			alert_id,
			correlation_key,
			subject_id,
			domain,
			kind,
			severity,
			priority,
			status,
			escalation_tier,
			tier_entered_at,
			tier_deadline,
			first_seen_at,
			last_seen_at,
			ack_by,
			ack_at,
			resolved_at,
			resolution,
			context,
			created_at,
			updated_at
		FROM care_alerts
		WHERE status != 'resolved'
		ORDER BY first_seen_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// ListResolvedSince 读取某时刻之后解除的报警（报表导出用）
func (r *AlertRepository) ListResolvedSince(ctx context.Context, since time.Time) ([]*models.Alert, error) {
	query := `
		SELECT
			alert_id,
			correlation_key,
			subject_id,
			domain,
			kind,
			severity,
			priority,
			status,
			escalation_tier,
			tier_entered_at,
			tier_deadline,
			first_seen_at,
			last_seen_at,
			ack_by,
			ack_at,
			resolved_at,
			resolution,
			context,
			created_at,
			updated_at
		FROM care_alerts
		WHERE status = 'resolved'
		  AND resolved_at >= $1
		ORDER BY resolved_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolved alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert 扫描单行报警并处理可空字段
func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var domain, severity, status string
	var tierDeadline, ackAt, resolvedAt sql.NullTime
	var ackBy, resolution sql.NullString
	var contextJSON []byte

	err := row.Scan(
		&alert.AlertID,
		&alert.CorrelationKey,
		&alert.SubjectID,
		&domain,
		&alert.Kind,
		&severity,
		&alert.Priority,
		&status,
		&alert.EscalationTier,
		&alert.TierEnteredAt,
		&tierDeadline,
		&alert.FirstSeenAt,
		&alert.LastSeenAt,
		&ackBy,
		&ackAt,
		&resolvedAt,
		&resolution,
		&contextJSON,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Domain = models.Domain(domain)
	alert.Status = models.AlertStatus(status)

	parsed, err := models.ParseSeverity(severity)
	if err != nil {
		return nil, fmt.Errorf("invalid severity in row: %w", err)
	}
	alert.Severity = parsed

	if tierDeadline.Valid {
		alert.TierDeadline = &tierDeadline.Time
	}
	if ackBy.Valid {
		alert.AckBy = &ackBy.String
	}
	if ackAt.Valid {
		alert.AckAt = &ackAt.Time
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if resolution.Valid {
		alert.Resolution = &resolution.String
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &alert.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert context: %w", err)
		}
	}

	return &alert, nil
}
