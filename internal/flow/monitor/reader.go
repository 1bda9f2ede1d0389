package monitor

import (
	"context"
	"time"

	"github.com/botflow-go/internal/domain/flow"
	"github.com/botflow-go/pkg/database"
)

// Reader provides read-only aggregation over instances and execution
// logs for the dashboard. It is polled frequently and must never take
// locks that block writers, so everything here is plain SELECTs.
type Reader struct {
	db *database.DB
}

func NewReader(db *database.DB) *Reader {
	return &Reader{db: db}
}

// StatusSummary is the count of instances per status
type StatusSummary struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Timeout   int64 `json:"timeout"`
	Total     int64 `json:"total"`
}

func (r *Reader) StatusCounts(ctx context.Context) (*StatusSummary, error) {
	type row struct {
		Status string
		Count  int64
	}

	var rows []row
	err := r.db.WithContext(ctx).
		Model(&flow.FlowInstance{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{}
	for _, rw := range rows {
		summary.Total += rw.Count
		switch rw.Status {
		case flow.InstancePending:
			summary.Pending = rw.Count
		case flow.InstanceRunning:
			summary.Running = rw.Count
		case flow.InstanceCompleted:
			summary.Completed = rw.Count
		case flow.InstanceFailed:
			summary.Failed = rw.Count
		case flow.InstanceCancelled:
			summary.Cancelled = rw.Count
		case flow.InstanceTimeout:
			summary.Timeout = rw.Count
		}
	}
	return summary, nil
}

// TrendPoint is one day's instance counts
type TrendPoint struct {
	Date      string `json:"date"`
	Count     int64  `json:"count"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Trend returns per-day counts over the last N days, oldest first.
// Days without instances appear with zero counts.
func (r *Reader) Trend(ctx context.Context, days int) ([]TrendPoint, error) {
	if days <= 0 || days > 90 {
		days = 7
	}

	since := time.Now().AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)

	type row struct {
		Day       string
		Count     int64
		Completed int64
		Failed    int64
	}

	var rows []row
	err := r.db.WithContext(ctx).
		Model(&flow.FlowInstance{}).
		Select("DATE(created_at) as day, COUNT(*) as count, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as completed, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as failed",
			flow.InstanceCompleted, flow.InstanceFailed).
		Where("created_at >= ?", since).
		Group("DATE(created_at)").
		Order("day").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]row, len(rows))
	for _, rw := range rows {
		byDay[rw.Day] = rw
	}

	points := make([]TrendPoint, 0, days)
	for i := 0; i < days; i++ {
		day := since.AddDate(0, 0, i).Format("2006-01-02")
		p := TrendPoint{Date: day}
		if rw, ok := byDay[day]; ok {
			p.Count = rw.Count
			p.Completed = rw.Completed
			p.Failed = rw.Failed
		}
		points = append(points, p)
	}
	return points, nil
}

// FlowSummary aggregates outcomes per flow family
type FlowSummary struct {
	FlowName  string `json:"flowName"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	AvgTimeMs int64  `json:"avgTimeMs"`
}

func (r *Reader) FlowSummaries(ctx context.Context) ([]FlowSummary, error) {
	var summaries []FlowSummary
	err := r.db.WithContext(ctx).
		Model(&flow.FlowInstance{}).
		Select("flow_name, COUNT(*) as total, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as completed, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as failed, "+
			"COALESCE(AVG(CASE WHEN processing_time_ms > 0 THEN processing_time_ms END), 0) as avg_time_ms",
			flow.InstanceCompleted, flow.InstanceFailed).
		Group("flow_name").
		Order("total DESC").
		Scan(&summaries).Error
	return summaries, err
}
