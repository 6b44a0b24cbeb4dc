package proto

import (
	"fmt"
	"testing"
	"time"
)

func TestSeenCacheAdd(t *testing.T) {
	c := NewSeenCache(8, time.Minute)
	if !c.Add("ev1") {
		t.Fatal("first Add should report new")
	}
	if c.Add("ev1") {
		t.Fatal("second Add should report seen")
	}
	if !c.Has("ev1") {
		t.Fatal("Has should find fresh id")
	}
	if c.Has("ev2") {
		t.Fatal("Has found id never added")
	}
}

func TestSeenCacheCapEviction(t *testing.T) {
	c := NewSeenCache(4, time.Minute)
	for i := 0; i < 6; i++ {
		c.Add(fmt.Sprintf("ev%d", i))
	}
	if c.Len() != 4 {
		t.Fatalf("len = %d, want 4", c.Len())
	}
	if c.Has("ev0") || c.Has("ev1") {
		t.Fatal("oldest entries should have been evicted")
	}
	if !c.Has("ev5") {
		t.Fatal("newest entry missing")
	}
}

func TestSeenCacheTTLExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewSeenCache(16, time.Minute)
	c.now = func() time.Time { return now }

	c.Add("ev1")
	now = now.Add(30 * time.Second)
	if !c.Has("ev1") {
		t.Fatal("id expired too early")
	}
	now = now.Add(31 * time.Second)
	if c.Has("ev1") {
		t.Fatal("id should have expired")
	}
	if !c.Add("ev1") {
		t.Fatal("expired id should count as new again")
	}
}

func TestSeenCacheRefreshOnAdd(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewSeenCache(16, time.Minute)
	c.now = func() time.Time { return now }

	c.Add("ev1")
	now = now.Add(45 * time.Second)
	c.Add("ev1") // refresh
	now = now.Add(45 * time.Second)
	if !c.Has("ev1") {
		t.Fatal("refreshed entry should still be fresh")
	}
}

func TestSeenCacheNilAndEmpty(t *testing.T) {
	var c *SeenCache
	if c.Add("ev1") || c.Has("ev1") {
		t.Fatal("nil cache should report nothing")
	}
	c = NewSeenCache(4, time.Minute)
	if c.Add("") {
		t.Fatal("empty id should not be recorded")
	}
}
