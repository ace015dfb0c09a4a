package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterLocal_and_Call(t *testing.T) {
	r := New()
	called := false
	r.RegisterLocal("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		called = true
		return payload, nil
	})

	resp, err := r.Call(context.Background(), "echo", []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("local handler not called")
	}
	if string(resp) != "hello" {
		t.Fatalf("got %q, want %q", resp, "hello")
	}
}

func TestCall_ServiceNotFound(t *testing.T) {
	r := New()
	_, err := r.Call(context.Background(), "nonexistent", nil)
	var snf *ErrServiceNotFound
	if !errors.As(err, &snf) {
		t.Fatalf("expected ErrServiceNotFound, got %T: %v", err, err)
	}
	if snf.Service != "nonexistent" {
		t.Fatalf("got service %q, want %q", snf.Service, "nonexistent")
	}
}

func TestRegisterLocal_Replaces(t *testing.T) {
	r := New()
	r.RegisterLocal("svc", func(context.Context, []byte) ([]byte, error) { return []byte("v1"), nil })
	r.RegisterLocal("svc", func(context.Context, []byte) ([]byte, error) { return []byte("v2"), nil })

	resp, err := r.Call(context.Background(), "svc", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "v2" {
		t.Fatalf("got %q, want v2", resp)
	}
}

func TestSetDisabled(t *testing.T) {
	r := New(WithLogger(quietLogger()))
	called := false
	r.RegisterLocal("metrics", func(context.Context, []byte) ([]byte, error) {
		called = true
		return []byte("x"), nil
	})
	r.SetDisabled("metrics", true)

	resp, err := r.Call(context.Background(), "metrics", []byte("{}"))
	if err != nil || resp != nil {
		t.Fatalf("disabled call: got %q/%v, want nil/nil", resp, err)
	}
	if called {
		t.Fatal("disabled handler was invoked")
	}

	r.SetDisabled("metrics", false)
	if _, err := r.Call(context.Background(), "metrics", nil); err != nil || !called {
		t.Fatalf("re-enabled call: err=%v called=%v", err, called)
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	r.RegisterLocal("svc", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	r.Unregister("svc")

	if _, ok := r.Inspect("svc"); ok {
		t.Fatal("service still registered")
	}
	var snf *ErrServiceNotFound
	if _, err := r.Call(context.Background(), "svc", nil); !errors.As(err, &snf) {
		t.Fatalf("got %v, want ErrServiceNotFound", err)
	}
}

func TestListServices_Sorted(t *testing.T) {
	r := New()
	noop := func(context.Context, []byte) ([]byte, error) { return nil, nil }
	r.RegisterLocal("update", noop)
	r.RegisterLocal("debug", noop)
	r.RegisterLocal("metrics", noop)
	r.SetDisabled("debug", true)

	var names []string
	for info := range r.ListServices() {
		names = append(names, info.Name)
		if info.Name == "debug" && !info.Disabled {
			t.Error("debug should be reported disabled")
		}
	}
	want := []string{"debug", "metrics", "update"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names[%d]: got %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRecovery(t *testing.T) {
	r := New(WithMiddleware(Recovery(quietLogger())))
	r.RegisterLocal("boom", func(context.Context, []byte) ([]byte, error) {
		panic("kaboom")
	})

	_, err := r.Call(context.Background(), "boom", nil)
	var p *ErrPanic
	if !errors.As(err, &p) {
		t.Fatalf("got %T: %v, want *ErrPanic", err, err)
	}
	if p.Value != "kaboom" {
		t.Fatalf("panic value: got %v", p.Value)
	}
}

func TestTimeout(t *testing.T) {
	h := Timeout(10 * time.Millisecond)(func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := h(context.Background(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, p)
			}
		}
	}
	h := Chain(mw("a"), mw("b"))(func(context.Context, []byte) ([]byte, error) {
		order = append(order, "h")
		return nil, nil
	})
	if _, err := h(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "h" {
		t.Fatalf("order: got %v", order)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	errFail := errors.New("fail")
	h := Logging(quietLogger())(func(context.Context, []byte) ([]byte, error) {
		return nil, errFail
	})
	if _, err := h(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("got %v, want %v", err, errFail)
	}
}
