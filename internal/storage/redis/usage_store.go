package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/goodtune/kfocus/internal/storage"
	"github.com/redis/go-redis/v9"
)

type usageStore struct {
	client    *redis.Client
	increment *redis.Script
	prune     *redis.Script
}

// IncrementDailyUsage atomically adds seconds to the domain's counter for date
func (s *usageStore) IncrementDailyUsage(ctx context.Context, date string, domain string, seconds int64) error {
	if !storage.ValidDate(date) {
		return fmt.Errorf("invalid date: %q", date)
	}
	if seconds <= 0 {
		return nil
	}

	keys := []string{dailyUsageKey(date), dayIndexKey()}
	return s.increment.Run(ctx, s.client, keys, date, domain, seconds).Err()
}

// GetDailyUsage retrieves the counter for one domain on one day
func (s *usageStore) GetDailyUsage(ctx context.Context, date string, domain string) (*storage.DailyUsage, error) {
	raw, err := s.client.HGet(ctx, dailyUsageKey(date), domain).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return parseDailyUsage(date, domain, raw)
}

// ListDailyUsage returns every domain counter for date, sorted by domain
func (s *usageStore) ListDailyUsage(ctx context.Context, date string) ([]storage.DailyUsage, error) {
	data, err := s.client.HGetAll(ctx, dailyUsageKey(date)).Result()
	if err != nil {
		return nil, err
	}

	usages := make([]storage.DailyUsage, 0, len(data))
	for domain, raw := range data {
		usage, err := parseDailyUsage(date, domain, raw)
		if err != nil {
			continue
		}
		usages = append(usages, *usage)
	}
	sort.Slice(usages, func(i, j int) bool { return usages[i].Domain < usages[j].Domain })

	return usages, nil
}

// ListDates returns every day key that has at least one counter, ascending
func (s *usageStore) ListDates(ctx context.Context) ([]string, error) {
	dates, err := s.client.SMembers(ctx, dayIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(dates)
	return dates, nil
}

// DeleteDailyUsageBefore drops whole day buckets older than cutoffDate
func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	if !storage.ValidDate(cutoffDate) {
		return 0, fmt.Errorf("invalid cutoff date: %q", cutoffDate)
	}

	dates, err := s.ListDates(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, date := range dates {
		// Day keys sort lexically in calendar order
		if date >= cutoffDate {
			break
		}
		n, err := s.prune.Run(ctx, s.client, []string{dailyUsageKey(date), dayIndexKey()}, date).Int()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	return deleted, nil
}
