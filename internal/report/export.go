// Package report 生成照护周报：按时间范围导出已解除报警的历史与升级轨迹，
// 供照护团队每周回顾使用
package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"carelink-coordinator/internal/config"
	"carelink-coordinator/internal/models"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// AlertHistoryHeader 报警历史表头
var AlertHistoryHeader = []string{
	"Alert ID",
	"Subject",
	"Domain",
	"Kind",
	"Severity",
	"Final Tier",
	"First Seen",
	"Resolved At",
	"Duration",
	"Acknowledged By",
	"Resolution",
}

// EscalationTrailHeader 升级轨迹表头
var EscalationTrailHeader = []string{
	"Alert ID",
	"Seq",
	"From Status",
	"To Status",
	"Tier",
	"Reason",
	"Dispatch Action",
	"Recorded At",
}

const (
	historySheet = "Alert History"
	trailSheet   = "Escalation Trail"
)

var alertHistoryWidths = []float64{
	38, // Alert ID
	20, // Subject
	15, // Domain
	25, // Kind
	10, // Severity
	10, // Final Tier
	20, // First Seen
	20, // Resolved At
	12, // Duration
	18, // Acknowledged By
	30, // Resolution
}

var escalationTrailWidths = []float64{
	38, // Alert ID
	8,  // Seq
	14, // From Status
	14, // To Status
	8,  // Tier
	20, // Reason
	24, // Dispatch Action
	20, // Recorded At
}

// Store 报表所需的持久层读取能力
type Store interface {
	ListResolvedSince(ctx context.Context, since time.Time) ([]*models.Alert, error)
	ListTransitions(ctx context.Context, alertID string) ([]*models.AlertTransition, error)
}

// Reporter 组装照护报表
type Reporter struct {
	store  Store
	names  map[string]string
	logger *zap.Logger
}

// NewReporter 创建报表生成器，subjects 用于把 subject_id 换算成人名
func NewReporter(store Store, subjects []config.CareContext, logger *zap.Logger) *Reporter {
	names := make(map[string]string, len(subjects))
	for _, s := range subjects {
		names[s.SubjectID] = s.Name
	}
	return &Reporter{
		store:  store,
		names:  names,
		logger: logger,
	}
}

// Generate 导出 since 之后解除的报警历史。
// subjectID 为空时导出所有对象，否则只导出指定对象
func (r *Reporter) Generate(ctx context.Context, subjectID string, since time.Time) ([]byte, error) {
	alerts, err := r.store.ListResolvedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolved alerts: %w", err)
	}

	if subjectID != "" {
		filtered := make([]*models.Alert, 0, len(alerts))
		for _, a := range alerts {
			if a.SubjectID == subjectID {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}

	trails := make(map[string][]*models.AlertTransition, len(alerts))
	for _, a := range alerts {
		transitions, err := r.store.ListTransitions(ctx, a.AlertID)
		if err != nil {
			return nil, fmt.Errorf("failed to list transitions for alert %s: %w", a.AlertID, err)
		}
		trails[a.AlertID] = transitions
	}

	r.logger.Info("care report assembled",
		zap.Int("alert_count", len(alerts)),
		zap.String("subject_id", subjectID),
		zap.Time("since", since))

	return buildReportWorkbook(alerts, trails, r.names)
}

// buildReportWorkbook 生成两张表的 xlsx 文件
func buildReportWorkbook(alerts []*models.Alert, trails map[string][]*models.AlertTransition, names map[string]string) ([]byte, error) {
	f := excelize.NewFile()
	// Note: Don't defer Close() here, because WriteTo needs the file to be open

	historyIndex, err := f.NewSheet(historySheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(trailSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	// 删除默认的 Sheet1
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(historyIndex)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeSheetHeader(f, historySheet, AlertHistoryHeader, alertHistoryWidths, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSheetHeader(f, trailSheet, EscalationTrailHeader, escalationTrailWidths, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	// 报警历史：每条已解除报警一行
	for rowIdx, alert := range alerts {
		row := rowIdx + 2 // 从第2行开始（第1行是表头）
		for col, header := range AlertHistoryHeader {
			var value interface{}

			switch header {
			case "Alert ID":
				value = alert.AlertID
			case "Subject":
				value = subjectLabel(names, alert.SubjectID)
			case "Domain":
				value = string(alert.Domain)
			case "Kind":
				value = alert.Kind
			case "Severity":
				value = alert.Severity.String()
			case "Final Tier":
				value = alert.EscalationTier
			case "First Seen":
				value = formatTime(alert.FirstSeenAt)
			case "Resolved At":
				value = formatTimePtr(alert.ResolvedAt)
			case "Duration":
				value = alertDuration(alert)
			case "Acknowledged By":
				value = optString(alert.AckBy)
			case "Resolution":
				value = optString(alert.Resolution)
			}

			if value != nil && value != "" {
				if err := setCell(f, historySheet, col+1, row, value); err != nil {
					f.Close()
					return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
				}
			}
		}
	}

	// 升级轨迹：按报警解除顺序排列各自的转换记录
	trailRow := 1
	for _, alert := range alerts {
		for _, tr := range trails[alert.AlertID] {
			trailRow++
			for col, header := range EscalationTrailHeader {
				var value interface{}

				switch header {
				case "Alert ID":
					value = tr.AlertID
				case "Seq":
					value = int(tr.Seq)
				case "From Status":
					value = string(tr.FromStatus)
				case "To Status":
					value = string(tr.ToStatus)
				case "Tier":
					value = tr.Tier
				case "Reason":
					value = tr.Reason
				case "Dispatch Action":
					if tr.Intent != nil {
						value = tr.Intent.Action
					}
				case "Recorded At":
					value = formatTime(tr.CreatedAt)
				}

				if value != nil && value != "" {
					if err := setCell(f, trailSheet, col+1, trailRow, value); err != nil {
						f.Close()
						return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", trailRow, col+1, err)
					}
				}
			}
		}
	}

	// Write to bytes buffer
	// Note: File must remain open during Write operation
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return buf.Bytes(), nil
}

// writeSheetHeader 写入表头行、列宽并冻结首行
func writeSheetHeader(f *excelize.File, sheet string, headers []string, widths []float64, style int) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for i := range headers {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if i < len(widths) && widths[i] > 0 {
			if err := f.SetColWidth(sheet, col, col, widths[i]); err != nil {
				return fmt.Errorf("failed to set column width: %w", err)
			}
		}
	}

	// 冻结表头
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		Split:       false,
		XSplit:      0,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}

	return nil
}

// setCell 设置单元格值
func setCell(f *excelize.File, sheet string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}

// subjectLabel 有配置时显示人名，否则显示 subject_id
func subjectLabel(names map[string]string, subjectID string) string {
	if name, ok := names[subjectID]; ok && name != "" {
		return name
	}
	return subjectID
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func optString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// alertDuration 报警从产生到解除的时长
func alertDuration(a *models.Alert) string {
	if a.ResolvedAt == nil || a.ResolvedAt.Before(a.FirstSeenAt) {
		return ""
	}
	return a.ResolvedAt.Sub(a.FirstSeenAt).Truncate(time.Second).String()
}
