package redis

import (
	"fmt"
	"strconv"

	"github.com/goodtune/kfocus/internal/storage"
)

// parseDailyUsage converts one field of a day hash to DailyUsage
func parseDailyUsage(date, domain, raw string) (*storage.DailyUsage, error) {
	totalSeconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seconds for %s/%s: %w", date, domain, err)
	}

	return &storage.DailyUsage{
		Date:         date,
		Domain:       domain,
		TotalSeconds: totalSeconds,
	}, nil
}
