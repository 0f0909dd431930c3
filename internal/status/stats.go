package status

import (
	"context"
	"time"

	"github.com/matst80/binlogproxy/internal/schedule"
)

// Stats is the relay state exposed by the API and dashboard.
type Stats struct {
	Target      string `json:"target"`
	Mode        string `json:"mode"`
	TotalBytes  int64  `json:"total_bytes"`
	Disconnects int    `json:"disconnects"`
	Planned     int    `json:"planned"`
	Completed   bool   `json:"completed"`
	Now         string `json:"now"`
}

func collectStats(ctx context.Context, src Source) (Stats, error) {
	snap, err := src.Snapshot(ctx)
	if err != nil {
		return Stats{}, err
	}
	return fromSnapshot(src.Target(), snap), nil
}

func fromSnapshot(target string, s schedule.Snapshot) Stats {
	return Stats{
		Target:      target,
		Mode:        s.Mode(),
		TotalBytes:  s.TotalBytes,
		Disconnects: s.Disconnects,
		Planned:     s.Planned,
		Completed:   s.Completed,
		Now:         time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Title":       s.Mode,
		"Target":      s.Target,
		"Mode":        s.Mode,
		"TotalBytes":  s.TotalBytes,
		"Disconnects": s.Disconnects,
		"Planned":     s.Planned,
		"Completed":   s.Completed,
	}
}
