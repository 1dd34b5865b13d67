package blob

import (
	"time"
)

// Bucket holds aggregated counts for one time slice.
type Bucket struct {
	Key       string  `json:"key"` // "2006-01-02" or "2006-01-02T15"
	Events    int     `json:"events"`
	Errors    int     `json:"errors"`
	ToolCalls int     `json:"tool_calls"`
	LLMCalls  int     `json:"llm_calls"`
	CostUSD   float64 `json:"cost_usd"`
}

// Analytics is the aggregated view the dashboard renders.
type Analytics struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Totals  Bucket   `json:"totals"`
	Buckets []Bucket `json:"buckets"`
}

// Analyze aggregates the last `days` day files into per-day buckets
// (or per-hour when days <= 2). Cost comes from llm_response metadata.
func (l *Log) Analyze(days int) (*Analytics, error) {
	if days <= 0 {
		days = 7
	}
	available, err := l.Days()
	if err != nil {
		return nil, err
	}
	if len(available) > days {
		available = available[len(available)-days:]
	}

	hourly := days <= 2
	byKey := make(map[string]*Bucket)
	var order []string

	result := &Analytics{}
	if len(available) > 0 {
		result.From = available[0]
		result.To = available[len(available)-1]
	}

	for _, day := range available {
		events, err := l.readDay(day, "", 0)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			key := day
			if hourly {
				key = e.Timestamp.Format("2006-01-02T15")
			}
			b, ok := byKey[key]
			if !ok {
				b = &Bucket{Key: key}
				byKey[key] = b
				order = append(order, key)
			}
			tally(b, e)
			tally(&result.Totals, e)
		}
	}

	result.Totals.Key = "total"
	result.Buckets = make([]Bucket, 0, len(order))
	for _, key := range order {
		result.Buckets = append(result.Buckets, *byKey[key])
	}
	return result, nil
}

func tally(b *Bucket, e Event) {
	b.Events++
	switch e.EventType {
	case EventError:
		b.Errors++
	case EventToolCall:
		b.ToolCalls++
	case EventLLMResponse:
		b.LLMCalls++
		if v, ok := e.Metadata["cost_usd"]; ok {
			switch c := v.(type) {
			case float64:
				b.CostUSD += c
			case int:
				b.CostUSD += float64(c)
			}
		}
	}
}

// Today returns the current UTC day string.
func Today() string {
	return time.Now().UTC().Format("2006-01-02")
}
