package codingagent

import (
	"context"
	"errors"
	"testing"
)

type stubCapability struct {
	name   string
	result string
	err    error
}

func (s stubCapability) Name() string { return s.name }

func (s stubCapability) Execute(ctx context.Context, task Task, workDir string) (string, error) {
	return s.result, s.err
}

func TestResolveReturnsRegisteredCapability(t *testing.T) {
	r := NewRegistry(nil)
	dev := stubCapability{name: "dev"}
	r.Register("developer", dev)

	got, err := r.Resolve("developer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Name() != "dev" {
		t.Fatalf("Name() = %s, want dev", got.Name())
	}
}

func TestResolveFallsBackWhenUnregistered(t *testing.T) {
	fallback := stubCapability{name: "fallback"}
	r := NewRegistry(fallback)

	got, err := r.Resolve("reviewer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Name() != "fallback" {
		t.Fatalf("Name() = %s, want fallback", got.Name())
	}
}

func TestResolveErrorsWithNoFallbackAndNoBinding(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Resolve("reviewer")
	var notFound *UnregisteredWorkerTypeError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *UnregisteredWorkerTypeError, got %v", err)
	}
	if notFound.WorkerType != "reviewer" {
		t.Fatalf("WorkerType = %s, want reviewer", notFound.WorkerType)
	}
}

func TestDispatchExecutesResolvedCapability(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("test", stubCapability{name: "tester", result: "3 passed"})

	out, err := r.Dispatch(context.Background(), Task{TaskID: "t-1", WorkerType: "test"}, "/work")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out != "3 passed" {
		t.Fatalf("Dispatch result = %q, want %q", out, "3 passed")
	}
}

func TestDispatchPropagatesCapabilityError(t *testing.T) {
	r := NewRegistry(nil)
	wantErr := errors.New("build failed")
	r.Register("developer", stubCapability{name: "dev", err: wantErr})

	_, err := r.Dispatch(context.Background(), Task{WorkerType: "developer"}, "/work")
	if !errors.Is(err, wantErr) {
		t.Fatalf("Dispatch error = %v, want %v", err, wantErr)
	}
}

func TestWorkerTypesListsRegisteredBindingsSorted(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("test", stubCapability{name: "tester"})
	r.Register("developer", stubCapability{name: "dev"})

	got := r.WorkerTypes()
	want := []string{"developer", "test"}
	if len(got) != len(want) {
		t.Fatalf("WorkerTypes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("WorkerTypes()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
