package delivery

import (
	"context"
	"time"

	"changenotify/internal/domain"
	"changenotify/internal/storage"
)

// DeliveryMetrics summarises records created in a time range.
// Rates are percentages in [0, 100].
type DeliveryMetrics struct {
	From                time.Time `json:"from"`
	To                  time.Time `json:"to"`
	TotalSent           int       `json:"total_sent"`
	TotalDelivered      int       `json:"total_delivered"`
	TotalFailed         int       `json:"total_failed"`
	TotalRetried        int       `json:"total_retried"`
	SuccessRate         float64   `json:"success_rate"`
	RetryRate           float64   `json:"retry_rate"`
	AverageDeliveryTime float64   `json:"average_delivery_time_seconds"`
}

// Metrics computes delivery metrics over records created in [from, to).
// Bounced records count as failed.
func (t *Tracker) Metrics(ctx context.Context, from, to time.Time) (DeliveryMetrics, error) {
	recs, _, err := t.store.ListRecords(ctx, storage.RecordFilter{From: from, To: to, IncludeArchived: true})
	if err != nil {
		return DeliveryMetrics{}, err
	}
	m := DeliveryMetrics{From: from, To: to, TotalSent: len(recs)}
	var sum float64
	var timed int
	for _, r := range recs {
		switch r.Status {
		case domain.StatusDelivered:
			m.TotalDelivered++
			if r.DeliveryTime != nil {
				sum += *r.DeliveryTime
				timed++
			}
		case domain.StatusFailed, domain.StatusBounced:
			m.TotalFailed++
		}
		if r.RetryCount > 0 {
			m.TotalRetried++
		}
	}
	if m.TotalSent > 0 {
		m.SuccessRate = float64(m.TotalDelivered) / float64(m.TotalSent) * 100
		m.RetryRate = float64(m.TotalRetried) / float64(m.TotalSent) * 100
	}
	if timed > 0 {
		m.AverageDeliveryTime = sum / float64(timed)
	}
	return m, nil
}
