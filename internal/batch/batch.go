// Package batch applies a list of independent operations with bounded concurrency.
//
// Operations are split into contiguous groups of at most Size members. Groups
// run strictly one after another; the members of a group run concurrently and
// the whole group settles before the next one starts. The group size is
// therefore the upper bound on in-flight requests against the destination.
package batch

import (
	"context"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// DefaultSize is the group size used when Run is given a size below 1.
const DefaultSize = 10

// Result is the outcome of applying one item.
type Result[T any] struct {
	Item  T
	Index int // position in the input list
	Group int // zero-based group number
	Err   error
}

// Report collects the result of every item, in input order.
type Report[T any] struct {
	Results []Result[T]
	groups  []int
}

// Groups returns the size of each group in execution order.
func (r Report[T]) Groups() []int {
	return r.groups
}

// Failed returns the results whose apply call returned an error.
func (r Report[T]) Failed() []Result[T] {
	var failed []Result[T]
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Succeeded returns how many items were applied without error.
func (r Report[T]) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// Partition splits items into contiguous groups of at most size members.
func Partition[T any](items []T, size int) [][]T {
	if size < 1 {
		size = DefaultSize
	}
	groups := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		groups = append(groups, items[start:end])
	}
	return groups
}

// Run applies every item and returns once each one has been attempted.
// A failing item never prevents its group peers or later groups from running.
// If ctx is done between groups, the remaining items are reported with
// ctx.Err() and apply is not called for them.
func Run[T any](ctx context.Context, items []T, size int, apply func(context.Context, T) error) Report[T] {
	log := clog.FromContext(ctx)

	report := Report[T]{Results: make([]Result[T], len(items))}
	offset := 0
	for g, group := range Partition(items, size) {
		report.groups = append(report.groups, len(group))

		if err := ctx.Err(); err != nil {
			for i, item := range group {
				report.Results[offset+i] = Result[T]{Item: item, Index: offset + i, Group: g, Err: err}
			}
			offset += len(group)
			continue
		}

		eg := new(errgroup.Group)
		for i, item := range group {
			idx := offset + i
			eg.Go(func() error {
				report.Results[idx] = Result[T]{Item: item, Index: idx, Group: g, Err: apply(ctx, item)}
				return nil
			})
		}
		// Failures are recorded per item, so Wait never reports one.
		_ = eg.Wait()

		offset += len(group)
		log.Debugf("Completed batch size: %d", len(group))
	}
	return report
}
