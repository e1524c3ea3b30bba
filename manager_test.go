package scm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestManagerExecuteConcurrency(t *testing.T) {
	db := NewDatabase(newMemStore(), zerolog.Nop())
	m := NewManager(db, nil, WithConcurrency(3))

	var entries []*Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, newEntry("svc"))
	}

	var running, peak atomic.Int32
	err := m.execute(context.Background(), entries, func(ctx context.Context, e *Entry) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestManagerExecuteCollectsErrors(t *testing.T) {
	db := NewDatabase(newMemStore(), zerolog.Nop())
	m := NewManager(db, nil)

	entries := []*Entry{newEntry("a"), newEntry("b"), newEntry("c")}
	err := m.execute(context.Background(), entries, func(ctx context.Context, e *Entry) error {
		if e.name == "b" {
			return nil
		}
		return &OpError{Op: "test", Service: e.name, Err: ErrServiceNotActive}
	})

	var merr *MultiError
	if !errors.As(err, &merr) {
		t.Fatalf("err = %v, want *MultiError", err)
	}
	if len(merr.Errors) != 2 {
		t.Errorf("got %d errors, want 2", len(merr.Errors))
	}
	if !errors.Is(err, ErrServiceNotActive) {
		t.Error("MultiError should unwrap to the collected errors")
	}
}

func TestManagerExecuteEmpty(t *testing.T) {
	m := NewManager(NewDatabase(newMemStore(), zerolog.Nop()), nil)
	if err := m.execute(context.Background(), nil, nil); err != nil {
		t.Fatal(err)
	}
}

func TestManagerDefaults(t *testing.T) {
	m := NewManager(NewDatabase(newMemStore(), zerolog.Nop()), nil, WithConcurrency(0))

	if m.PipeTimeout != DefaultPipeTimeout {
		t.Errorf("PipeTimeout = %v, want %v", m.PipeTimeout, DefaultPipeTimeout)
	}
	if m.KillTimeout != DefaultKillTimeout {
		t.Errorf("KillTimeout = %v, want %v", m.KillTimeout, DefaultKillTimeout)
	}
	if m.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1", m.Concurrency)
	}
}

func TestMultiError(t *testing.T) {
	merr := &MultiError{}

	if err := merr.Err(); err != nil {
		t.Error("empty MultiError should return nil")
	}

	merr.Add(nil)
	if err := merr.Err(); err != nil {
		t.Error("MultiError with nil errors should return nil")
	}

	err1 := &OpError{Op: "start", Service: "svc", Err: ErrServiceRequestTimeout}
	merr.Add(err1)

	if err := merr.Err(); err == nil {
		t.Error("MultiError with errors should return non-nil")
	}

	if merr.Error() != err1.Error() {
		t.Errorf("single error message = %v, want %v", merr.Error(), err1.Error())
	}

	err2 := &OpError{Op: "start", Service: "other", Err: ErrFileNotFound}
	merr.Add(err2)

	if merr.Error() != "2 errors occurred" {
		t.Errorf("multiple errors message = %v, want '2 errors occurred'", merr.Error())
	}
}

func TestErrnoCodes(t *testing.T) {
	if Code(nil) != 0 {
		t.Error("nil should map to 0")
	}
	if got := Code(&OpError{Op: "create", Err: ErrServiceExists}); got != 1073 {
		t.Errorf("Code = %d, want 1073", got)
	}
	if got := Code(errors.New("plain")); got != uint32(ErrGenFailure) {
		t.Errorf("Code = %d, want %d", got, ErrGenFailure)
	}
	if FromCode(0) != nil {
		t.Error("FromCode(0) should be nil")
	}
	if !errors.Is(FromCode(1062), ErrServiceNotActive) {
		t.Error("FromCode(1062) should be ErrServiceNotActive")
	}
	if got := Errno(9999).Error(); got != "scm: error 9999" {
		t.Errorf("unknown errno text = %q", got)
	}
}
