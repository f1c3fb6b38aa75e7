package redis

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestIncrementDailyUsageScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	tests := []struct {
		name    string
		domain  string
		seconds int64
		want    int64
	}{
		{name: "create counter", domain: "chatgpt.com", seconds: 120, want: 120},
		{name: "increment counter", domain: "chatgpt.com", seconds: 30, want: 150},
		{name: "second domain", domain: "claude.ai", seconds: 5, want: 5},
		{name: "zero is ignored", domain: "claude.ai", seconds: 0, want: 5},
	}

	usageKey := dailyUsageKey("2024-03-01")
	indexKey := dayIndexKey()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := client.Eval(ctx, incrementDailyUsageScript, []string{usageKey, indexKey}, "2024-03-01", tt.domain, tt.seconds)
			if result.Err() != nil {
				t.Fatalf("Script execution failed: %v", result.Err())
			}

			got, err := client.HGet(ctx, usageKey, tt.domain).Int64()
			if err != nil {
				t.Fatalf("HGet failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %d seconds, got %d", tt.want, got)
			}
		})
	}

	isMember, err := client.SIsMember(ctx, indexKey, "2024-03-01").Result()
	if err != nil {
		t.Fatalf("SIsMember failed: %v", err)
	}
	if !isMember {
		t.Error("Expected date to be in day index")
	}
}

func TestIncrementDailyUsageScript_Concurrent(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	keys := []string{dailyUsageKey("2024-03-01"), dayIndexKey()}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Eval(ctx, incrementDailyUsageScript, keys, "2024-03-01", "chatgpt.com", 15)
		}()
	}
	wg.Wait()

	got, err := client.HGet(ctx, keys[0], "chatgpt.com").Int64()
	if err != nil {
		t.Fatalf("HGet failed: %v", err)
	}
	if got != 300 {
		t.Errorf("Expected 300 seconds, got %d", got)
	}
}

func TestDeleteDayScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	usageKey := dailyUsageKey("2024-03-01")
	indexKey := dayIndexKey()

	client.HSet(ctx, usageKey, "chatgpt.com", 10, "claude.ai", 20)
	client.SAdd(ctx, indexKey, "2024-03-01")

	n, err := client.Eval(ctx, deleteDayScript, []string{usageKey, indexKey}, "2024-03-01").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 counters removed, got %d", n)
	}
	if mr.Exists(usageKey) {
		t.Error("Expected day bucket to be deleted")
	}
	if ok, _ := client.SIsMember(ctx, indexKey, "2024-03-01").Result(); ok {
		t.Error("Expected date to be removed from index")
	}
}
