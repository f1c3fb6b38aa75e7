package bolt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goodtune/kfocus/internal/storage"
	"go.etcd.io/bbolt"
)

type usageStore struct {
	db *bbolt.DB
}

func (s *usageStore) GetDailyUsage(ctx context.Context, date string, domain string) (*storage.DailyUsage, error) {
	return getBucketValue[storage.DailyUsage](ctx, s.db, bucketDailyUsage, dailyUsageKey(date, domain))
}

// IncrementDailyUsage performs the read-modify-write inside a single bolt
// write transaction; bolt serializes writers so concurrent credits sum.
func (s *usageStore) IncrementDailyUsage(ctx context.Context, date string, domain string, seconds int64) error {
	if !storage.ValidDate(date) {
		return fmt.Errorf("invalid date: %q", date)
	}
	if seconds <= 0 {
		return nil
	}

	key := dailyUsageKey(date, domain)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return fmt.Errorf("daily usage bucket missing")
		}
		var usage storage.DailyUsage
		if existing := b.Get([]byte(key)); existing != nil {
			if err := unmarshal(existing, &usage); err != nil {
				return err
			}
		} else {
			usage = storage.DailyUsage{
				Date:   date,
				Domain: domain,
			}
		}
		usage.TotalSeconds += seconds
		data, err := marshal(usage)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *usageStore) ListDailyUsage(ctx context.Context, date string) ([]storage.DailyUsage, error) {
	usages := make([]storage.DailyUsage, 0)
	prefix := []byte(date + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var usage storage.DailyUsage
			if err := unmarshal(v, &usage); err != nil {
				return err
			}
			usages = append(usages, usage)
		}
		return nil
	})
	return usages, err
}

func (s *usageStore) ListDates(ctx context.Context) ([]string, error) {
	dates := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return nil
		}
		last := ""
		return b.ForEach(func(k, _ []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			date, _, ok := strings.Cut(string(k), "/")
			if ok && date != last {
				dates = append(dates, date)
				last = date
			}
			return nil
		})
	})
	return dates, err
}

func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	if !storage.ValidDate(cutoffDate) {
		return 0, fmt.Errorf("invalid cutoff date: %q", cutoffDate)
	}
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return nil
		}
		// Keys are ordered by date, so the scan stops at the cutoff.
		cutoff := []byte(cutoffDate + "/")
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func dailyUsageKey(date, domain string) string {
	return fmt.Sprintf("%s/%s", date, domain)
}
