package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
)

// Evaluator runs JavaScript functions inside a tab.
type Evaluator interface {
	// Eval calls the function expression js with args and returns its
	// JSON-encoded result. Promises are awaited.
	Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
}

// PageEvaluator evaluates scripts on a Rod page.
type PageEvaluator struct {
	page *rod.Page
}

// NewPageEvaluator wraps page.
func NewPageEvaluator(page *rod.Page) *PageEvaluator {
	return &PageEvaluator{page: page}
}

func (e *PageEvaluator) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	res, err := e.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if res == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return raw, nil
}
