package progress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRecorderConcurrentEmit(t *testing.T) {
	rec := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rec.Emit(Event{Kind: KindExecuting, StepIndex: i})
			}
		}(i)
	}
	wg.Wait()
	if got := len(rec.Events()); got != 500 {
		t.Errorf("events = %d, want 500", got)
	}
}

func TestRecorderSnapshotIsCopy(t *testing.T) {
	rec := NewRecorder()
	rec.Emit(Event{Kind: KindPlanning})
	snap := rec.Events()
	snap[0].Kind = KindComplete
	if rec.Events()[0].Kind != KindPlanning {
		t.Error("snapshot aliases recorder storage")
	}
}

func TestMultiSkipsNilAndKeepsOrder(t *testing.T) {
	var order []string
	a := SinkFunc(func(Event) { order = append(order, "a") })
	b := SinkFunc(func(Event) { order = append(order, "b") })
	Multi(a, nil, b).Emit(Event{Kind: KindComplete})
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v", order)
	}
}

func TestSerializedStampsTime(t *testing.T) {
	rec := NewRecorder()
	Serialized(rec).Emit(Event{Kind: KindPlanning})
	if rec.Events()[0].Time.IsZero() {
		t.Error("Serialized should stamp missing time")
	}
}

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	sink := NewRedisSink(client, "test:progress", WithPerPlanChannel())
	sub := client.Subscribe(ctx, sink.Channel("plan_1"))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink.Emit(Event{Kind: KindExecuting, PlanID: "plan_1", StepID: "s1", Agent: "image", Action: "generate_images"})

	select {
	case msg := <-sub.Channel():
		if msg.Channel != "test:progress:plan_1" {
			t.Errorf("channel = %q", msg.Channel)
		}
		var got Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatal(err)
		}
		if got.StepID != "s1" || got.Kind != KindExecuting || got.Action != "generate_images" {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestRedisSinkSwallowsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	mr.Close()

	sink := NewRedisSink(client, "", WithPublishTimeout(100*time.Millisecond))
	sink.Emit(Event{Kind: KindComplete})
	if sink.Channel("") != DefaultRedisChannel {
		t.Errorf("channel = %q", sink.Channel(""))
	}
}
