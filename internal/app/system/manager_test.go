package system

import (
	"context"
	"fmt"
	"testing"
)

type recordedService struct {
	name      string
	failStart bool
	calls     *[]string
}

func (s *recordedService) Name() string { return s.name }

func (s *recordedService) Start(ctx context.Context) error {
	*s.calls = append(*s.calls, "start:"+s.name)
	if s.failStart {
		return fmt.Errorf("%s refused to start", s.name)
	}
	return nil
}

func (s *recordedService) Stop(ctx context.Context) error {
	*s.calls = append(*s.calls, "stop:"+s.name)
	return nil
}

func TestManagerStartsInOrderStopsInReverse(t *testing.T) {
	var calls []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&recordedService{name: name, calls: &calls}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s (all: %v)", i, calls[i], want[i], calls)
		}
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	var calls []string
	m := NewManager()
	if err := m.Register(&recordedService{name: "a", calls: &calls}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(&recordedService{name: "a", calls: &calls}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestManagerUnwindsOnStartFailure(t *testing.T) {
	var calls []string
	m := NewManager()
	_ = m.Register(&recordedService{name: "a", calls: &calls})
	_ = m.Register(&recordedService{name: "b", failStart: true, calls: &calls})
	_ = m.Register(&recordedService{name: "c", calls: &calls})

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}

	want := []string{"start:a", "start:b", "stop:a"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s (all: %v)", i, calls[i], want[i], calls)
		}
	}

	// A failed start leaves the manager reusable.
	if err := m.Register(&recordedService{name: "d", calls: &calls}); err != nil {
		t.Fatalf("register after failed start: %v", err)
	}
}

func TestNoopService(t *testing.T) {
	svc := NoopService{ServiceName: "noop"}
	if svc.Name() != "noop" {
		t.Fatalf("name = %s", svc.Name())
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
