package audit

import (
	"context"
	"math"
	"sort"
	"time"
)

// Reader answers the triage queries operators run against the audit trail.
type Reader interface {
	ByControlID(ctx context.Context, controlID string) ([]Record, error)
	ByPatient(ctx context.Context, patientID string, limit int) ([]Record, error)
	RecentFailures(ctx context.Context, limit int) ([]Record, error)
	Statistics(ctx context.Context, since time.Time) (Statistics, error)
}

// Statistics summarizes records received since From.
type Statistics struct {
	From                time.Time        `json:"from"`
	To                  time.Time        `json:"to"`
	TotalMessages       int              `json:"total_messages"`
	SuccessCount        int              `json:"success_count"`
	FailureCount        int              `json:"failure_count"`
	SuccessRate         float64          `json:"success_rate"`
	AvgProcessingTimeMs float64          `json:"avg_processing_time_ms"`
	ByMessageType       []TypeStatistics `json:"by_message_type"`
}

// TypeStatistics is the per message type breakdown.
type TypeStatistics struct {
	MessageType  string `json:"message_type"`
	Count        int    `json:"count"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
}

// newestFirst sorts by ReceivedAt descending and applies limit when positive.
func newestFirst(records []Record, limit int) []Record {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ReceivedAt.After(records[j].ReceivedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

func filter(records []Record, keep func(Record) bool) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func summarize(records []Record, since, now time.Time) Statistics {
	st := Statistics{From: since.UTC(), To: now.UTC()}

	byType := map[string]*TypeStatistics{}
	var order []string
	var total int64
	for _, r := range records {
		if r.ReceivedAt.Before(since) {
			continue
		}
		st.TotalMessages++
		total += r.ProcessingDurationMs

		ts, ok := byType[r.MessageType]
		if !ok {
			ts = &TypeStatistics{MessageType: r.MessageType}
			byType[r.MessageType] = ts
			order = append(order, r.MessageType)
		}
		ts.Count++

		switch r.Status {
		case StatusSuccess:
			st.SuccessCount++
			ts.SuccessCount++
		case StatusFailed:
			st.FailureCount++
			ts.FailureCount++
		}
	}

	if st.TotalMessages > 0 {
		st.SuccessRate = round2(float64(st.SuccessCount) / float64(st.TotalMessages) * 100)
		st.AvgProcessingTimeMs = round2(float64(total) / float64(st.TotalMessages))
	}

	sort.Strings(order)
	for _, t := range order {
		st.ByMessageType = append(st.ByMessageType, *byType[t])
	}
	return st
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
