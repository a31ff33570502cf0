package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("kafka", func(_ context.Context) Status {
		return Status{Name: "kafka", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("risk_worker", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "risk_worker" {
		t.Fatalf("expected registered name, got %q", statuses[0].Name)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestPingChecker(t *testing.T) {
	ok := PingChecker("database", fakePinger{}, time.Second)(context.Background())
	if !ok.Healthy {
		t.Fatal("expected healthy")
	}

	bad := PingChecker("database", fakePinger{err: errors.New("dial tcp: refused")}, time.Second)(context.Background())
	if bad.Healthy || bad.Detail != "dial tcp: refused" {
		t.Fatalf("unexpected status %+v", bad)
	}
}

func TestRunningChecker(t *testing.T) {
	running := false
	check := RunningChecker("risk_worker", func() bool { return running })

	if check(context.Background()).Healthy {
		t.Fatal("expected unhealthy when not running")
	}
	running = true
	if !check(context.Background()).Healthy {
		t.Fatal("expected healthy when running")
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
