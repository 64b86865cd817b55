package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testSub(topic, consumer string) Subscription {
	return Subscription{
		Topic:    topic,
		Consumer: consumer,
		Handler:  HandlerFunc(func(ctx context.Context, msg Message) error { return nil }),
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	r := newRegistry()

	if added, first := r.tryAdd(testSub("orders", "audit")); !added || !first {
		t.Fatalf("first add: added=%v first=%v", added, first)
	}
	if added, first := r.tryAdd(testSub("orders", "billing")); !added || first {
		t.Fatalf("second consumer: added=%v first=%v", added, first)
	}
	if added, first := r.tryAdd(testSub("shipments", "audit")); !added || !first {
		t.Fatalf("second topic: added=%v first=%v", added, first)
	}

	subs := r.get("orders")
	if len(subs) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(subs))
	}
	// Registration order is preserved.
	if subs[0].Consumer != "audit" || subs[1].Consumer != "billing" {
		t.Errorf("order not preserved: %s, %s", subs[0].Consumer, subs[1].Consumer)
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	r := newRegistry()

	if added, _ := r.tryAdd(testSub("orders", "audit")); !added {
		t.Fatal("first add rejected")
	}
	if added, _ := r.tryAdd(testSub("orders", "audit")); added {
		t.Error("duplicate (topic, consumer) accepted")
	}
	if len(r.get("orders")) != 1 {
		t.Errorf("duplicate changed subscription count")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := newRegistry()
	r.tryAdd(testSub("orders", "audit"))
	r.tryAdd(testSub("orders", "billing"))

	removed, empty := r.remove(testSub("orders", "audit"))
	if !removed {
		t.Fatal("remove failed")
	}
	if empty {
		t.Error("topic reported empty with one consumer left")
	}

	removed, empty = r.remove(testSub("orders", "billing"))
	if !removed {
		t.Fatal("second remove failed")
	}
	if !empty {
		t.Error("topic not reported empty after last consumer")
	}

	if removed, _ = r.remove(testSub("orders", "billing")); removed {
		t.Error("removed a subscription that no longer exists")
	}
	if r.has("orders") {
		t.Error("emptied topic still present")
	}
}

func TestRegistryAllTopics(t *testing.T) {
	r := newRegistry()
	r.tryAdd(testSub("orders", "audit"))
	r.tryAdd(testSub("orders", "billing"))
	r.tryAdd(testSub("shipments", "audit"))

	topics := r.allTopics()
	if len(topics) != 2 {
		t.Fatalf("got %d topics, want 2", len(topics))
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		seen[topic] = true
	}
	if diff := cmp.Diff(map[string]bool{"orders": true, "shipments": true}, seen); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryGetReturnsSnapshot(t *testing.T) {
	r := newRegistry()
	r.tryAdd(testSub("orders", "audit"))

	subs := r.get("orders")
	subs[0].Consumer = "mutated"

	if got := r.get("orders")[0].Consumer; got != "audit" {
		t.Errorf("registry state mutated through snapshot: %s", got)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := newRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			topic := fmt.Sprintf("topic-%d", i%4)
			consumer := fmt.Sprintf("consumer-%d", i)
			r.tryAdd(testSub(topic, consumer))
			r.get(topic)
			r.allTopics()
			r.remove(testSub(topic, consumer))
		}(i)
	}
	wg.Wait()

	if got := len(r.allTopics()); got != 0 {
		t.Errorf("registry not empty after balanced add/remove: %d topics", got)
	}
}

// The first signal and remove's topicEmpty signal must pair up exactly:
// however a last-consumer remove interleaves with an add on the same topic,
// the add sees first=true iff the remove already emptied the topic. A stale
// first would leave a registered consumer with no transport subscription.
func TestRegistryFirstMatchesRemoveEmptyUnderRace(t *testing.T) {
	for i := 0; i < 1000; i++ {
		r := newRegistry()
		r.tryAdd(testSub("orders", "billing"))

		var wg sync.WaitGroup
		var first, empty bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, first = r.tryAdd(testSub("orders", "audit"))
		}()
		go func() {
			defer wg.Done()
			_, empty = r.remove(testSub("orders", "billing"))
		}()
		wg.Wait()

		if first != empty {
			t.Fatalf("iteration %d: add saw first=%v but remove saw topicEmpty=%v", i, first, empty)
		}
	}
}

func TestRegistryReaddAfterEmptyIsFirstAgain(t *testing.T) {
	r := newRegistry()

	r.tryAdd(testSub("orders", "billing"))
	if _, empty := r.remove(testSub("orders", "billing")); !empty {
		t.Fatal("topic not emptied")
	}
	if _, first := r.tryAdd(testSub("orders", "audit")); !first {
		t.Error("re-add after empty not reported as first")
	}
}

func TestRegistryClear(t *testing.T) {
	r := newRegistry()
	r.tryAdd(testSub("orders", "audit"))
	r.tryAdd(testSub("shipments", "audit"))

	r.clear()
	if len(r.allTopics()) != 0 {
		t.Error("clear left topics behind")
	}
}
