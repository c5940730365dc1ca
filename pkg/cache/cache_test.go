package cache

import (
	"sync"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v.(int) != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get(missing) reported a hit")
	}
}

func TestExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.SetWithTTL("a", 1, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Fatal("expired key still readable")
	}
}

func TestSetIfAbsent(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	if !c.SetIfAbsent("a", 1, time.Minute) {
		t.Fatal("first SetIfAbsent lost")
	}
	if c.SetIfAbsent("a", 2, time.Minute) {
		t.Fatal("second SetIfAbsent won over a live key")
	}
	if v, _ := c.Get("a"); v.(int) != 1 {
		t.Fatalf("value overwritten: got %v", v)
	}
}

func TestSetIfAbsent_ExpiredKeyIsAbsent(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.SetWithTTL("a", 1, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if !c.SetIfAbsent("a", 2, time.Minute) {
		t.Fatal("expired key blocked SetIfAbsent")
	}
	if v, _ := c.Get("a"); v.(int) != 2 {
		t.Fatalf("got %v, want 2", v)
	}
}

func TestSetIfAbsent_SingleWinner(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	var wg sync.WaitGroup
	wins := make(chan int, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.SetIfAbsent("jti", i, time.Minute) {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	if n := len(wins); n != 1 {
		t.Fatalf("%d callers won SetIfAbsent, want 1", n)
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Set("room:a", 1)
	c.Set("room:b", 2)
	c.Set("token:x", 3)

	c.Invalidate("room:")

	if _, ok := c.Get("room:a"); ok {
		t.Fatal("room:a survived prefix invalidation")
	}
	if _, ok := c.Get("token:x"); !ok {
		t.Fatal("token:x was invalidated by an unrelated prefix")
	}
	if c.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", c.Size())
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("deleted key still readable")
	}

	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("Size() = %d after Clear, want 0", c.Size())
	}
}
