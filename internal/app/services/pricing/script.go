package pricing

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/dop251/goja"
)

const (
	// MaxScriptSize bounds the pricing script source.
	MaxScriptSize = 64 * 1024

	// DefaultScriptTimeout bounds a single evaluation. Pricing sits on the
	// request hot path.
	DefaultScriptTimeout = 100 * time.Millisecond

	entryPoint = "price"
)

// scriptHook evaluates a JavaScript price(req) function. Each evaluation
// runs in a fresh runtime because goja runtimes are not goroutine-safe.
type scriptHook struct {
	source  string
	timeout time.Duration
}

func newScriptHook(source string, timeout time.Duration) (*scriptHook, error) {
	if len(source) > MaxScriptSize {
		return nil, fmt.Errorf("script exceeds maximum size of %d bytes", MaxScriptSize)
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	vm := goja.New()
	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}
	if _, ok := goja.AssertFunction(vm.Get(entryPoint)); !ok {
		return nil, fmt.Errorf("entry point %q is not a function", entryPoint)
	}

	return &scriptHook{source: source, timeout: timeout}, nil
}

func (h *scriptHook) Price(ctx context.Context, req Request) (*big.Int, error) {
	vm := goja.New()

	timeout := h.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt("pricing timeout")
		case <-done:
		}
	}()
	defer close(done)

	if _, err := vm.RunString(h.source); err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}

	entryFn, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return nil, fmt.Errorf("entry point %q is not a function", entryPoint)
	}

	arg := vm.ToValue(map[string]interface{}{
		"method":        req.Method,
		"path":          req.Path,
		"contentLength": req.ContentLength,
	})
	result, err := entryFn(goja.Undefined(), arg)
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	return exportAmount(result)
}

func exportAmount(v goja.Value) (*big.Int, error) {
	if v == nil || v == goja.Undefined() || v == goja.Null() {
		return nil, fmt.Errorf("script returned no value")
	}
	switch exported := v.Export().(type) {
	case string:
		return ParseAmount(exported)
	case int64:
		if exported < 0 {
			return nil, fmt.Errorf("script returned negative amount %d", exported)
		}
		return big.NewInt(exported), nil
	case float64:
		if exported < 0 || exported != math.Trunc(exported) || exported > math.MaxInt64 {
			return nil, fmt.Errorf("script returned non-integral amount %v", exported)
		}
		return big.NewInt(int64(exported)), nil
	default:
		return nil, fmt.Errorf("script returned unsupported type %T", exported)
	}
}
