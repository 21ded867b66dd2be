// Package bulk runs one operation over many keys and reports per key.
//
// A bulk operation succeeds as long as at least one key succeeded. Keys that
// failed are listed with their reason next to the keys that succeeded; only
// when every key failed does the whole operation fail, with an Aggregate
// error that keeps all of the individual failures.
package bulk

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/luma/lodestar/protocol"
)

// Op applies the bulk operation to one key.
type Op func(ctx context.Context, key string, value []byte) error

type Failure struct {
	Key string
	Err error
}

type Result struct {
	Succeeded []string

	// Failures are in request order
	Failures []Failure
}

// Failed reports whether the operation as a whole failed, which is the case
// only when every key failed.
func (r Result) Failed() bool {
	return len(r.Failures) > 0 && len(r.Succeeded) == 0
}

// Err returns the Aggregate error for a failed operation, nil otherwise.
func (r Result) Err() error {
	if !r.Failed() {
		return nil
	}

	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Key, f.Err))
	}

	return protocol.Aggregate(errs...)
}

// FailedKeys maps every failed key to its reason.
func (r Result) FailedKeys() map[string]error {
	failed := make(map[string]error, len(r.Failures))
	for _, f := range r.Failures {
		failed[f.Key] = f.Err
	}
	return failed
}

type Aggregator struct {
	log *zap.Logger
}

func NewAggregator(log *zap.Logger) *Aggregator {
	return &Aggregator{log: log}
}

// Run applies op to every item in order. Once ctx is done the remaining keys
// are failed with the context error rather than attempted.
func (a *Aggregator) Run(ctx context.Context, items []protocol.KeyValue, op Op) Result {
	result := Result{
		Succeeded: make([]string, 0, len(items)),
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			result.Failures = append(result.Failures, Failure{Key: item.Key, Err: err})
			continue
		}

		if err := op(ctx, item.Key, item.Value); err != nil {
			result.Failures = append(result.Failures, Failure{Key: item.Key, Err: err})
			continue
		}

		result.Succeeded = append(result.Succeeded, item.Key)
	}

	if len(result.Failures) > 0 {
		a.log.Debug("Bulk operation had failures",
			zap.Int("succeeded", len(result.Succeeded)),
			zap.Int("failed", len(result.Failures)),
			zap.Error(result.Failures[0].Err))
	}

	return result
}
