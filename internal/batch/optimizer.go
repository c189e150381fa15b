// Package batch is the batch optimizer.
//
// DESIGN: A batch is validated as a whole before anything runs; an invalid
// batch fails with BATCH_VALIDATION_FAILED and no item executes. A valid batch
// is cut into groups bounded by item count and estimated cost. Groups run one
// after another; items inside a "parallel" group run concurrently (bounded),
// items inside a "sequential" group run in order.
//
// Item failures are isolated: an error or panic in one item is recorded in
// its slot and never aborts siblings. responses[i] always answers prompts[i].
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/task"
)

// Processing strategies.
const (
	StrategyParallel   = "parallel"
	StrategySequential = "sequential"
)

// Group is one execution unit of a batch.
type Group struct {
	Strategy string
	Indices  []int
	Cost     float64 // estimated
}

// ItemFunc executes a single batch item.
type ItemFunc func(ctx context.Context, index int, req task.Request) (*task.Response, error)

// EstimateFunc returns the estimated cost of one item.
type EstimateFunc func(req task.Request) float64

// Optimizer plans and executes batches.
type Optimizer struct {
	cfg      config.BatchConfig
	estimate EstimateFunc
}

// New creates an optimizer. estimate may be nil (cost-based grouping disabled).
func New(cfg config.BatchConfig, estimate EstimateFunc) *Optimizer {
	if cfg.MaxGroupSize <= 0 {
		cfg.MaxGroupSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Optimizer{cfg: cfg, estimate: estimate}
}

// MaxSize returns the hard batch maximum.
func (o *Optimizer) MaxSize() int { return o.cfg.MaxSize }

// Validate rejects the whole batch if any rule fails.
func (o *Optimizer) Validate(b *task.BatchRequest, maxTokensLimit int) error {
	if reasons := b.Validate(o.cfg.MaxSize, maxTokensLimit); len(reasons) > 0 {
		return apierr.BatchValidation(reasons...)
	}
	return nil
}

// Plan partitions the batch into groups. Items keep their input order.
func (o *Optimizer) Plan(b *task.BatchRequest) []Group {
	strategy := StrategyParallel
	if b.Options.Sequential {
		strategy = StrategySequential
	}

	var groups []Group
	cur := Group{Strategy: strategy}
	for i := range b.Prompts {
		var c float64
		if o.estimate != nil {
			c = o.estimate(b.Item(i))
		}
		full := len(cur.Indices) >= o.cfg.MaxGroupSize ||
			(o.cfg.MaxGroupCost > 0 && len(cur.Indices) > 0 && cur.Cost+c > o.cfg.MaxGroupCost)
		if full {
			groups = append(groups, cur)
			cur = Group{Strategy: strategy}
		}
		cur.Indices = append(cur.Indices, i)
		cur.Cost += c
	}
	if len(cur.Indices) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// Execute runs every group and aggregates the results.
func (o *Optimizer) Execute(ctx context.Context, b *task.BatchRequest, groups []Group, fn ItemFunc) *task.BatchResponse {
	results := make([]task.BatchItemResult, len(b.Prompts))
	for i := range results {
		results[i].Index = i
	}

	for _, g := range groups {
		if g.Strategy == StrategySequential {
			for _, i := range g.Indices {
				if ctx.Err() != nil {
					break
				}
				results[i] = runItem(ctx, i, b.Item(i), fn)
			}
			continue
		}

		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(o.cfg.Concurrency)
		for _, i := range g.Indices {
			if ctx.Err() != nil {
				break
			}
			eg.Go(func() error {
				results[i] = runItem(gctx, i, b.Item(i), fn)
				return nil
			})
		}
		_ = eg.Wait()
	}

	return aggregate(ctx, results, groups)
}

// runItem executes one item, converting errors and panics into an item error.
func runItem(ctx context.Context, i int, req task.Request, fn ItemFunc) (res task.BatchItemResult) {
	start := time.Now()
	res = task.BatchItemResult{Index: i}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("index", i).Str("stack", string(debug.Stack())).Msg("batch item panicked")
			res = task.BatchItemResult{
				Index:     i,
				Error:     &task.ItemError{Code: string(apierr.CodeInternal), Message: fmt.Sprintf("item panicked: %v", r)},
				LatencyMs: time.Since(start).Milliseconds(),
				Completed: true,
			}
		}
	}()

	resp, err := fn(ctx, i, req)
	res.LatencyMs = time.Since(start).Milliseconds()
	res.Completed = true
	if err != nil {
		e := apierr.From(err)
		res.Error = &task.ItemError{Code: string(e.Code), Message: e.Message}
		return res
	}
	res.Content = resp.Content
	res.Usage = resp.Usage
	res.Cost = resp.Cost
	res.Model = resp.Model
	res.Tier = resp.Tier
	return res
}

func aggregate(ctx context.Context, results []task.BatchItemResult, groups []Group) *task.BatchResponse {
	out := &task.BatchResponse{Responses: results}
	var completed int
	var latency int64
	for i := range results {
		r := &results[i]
		if !r.Completed {
			cause := ctx.Err()
			if cause == nil {
				cause = context.Canceled
			}
			e := apierr.Wrap(apierr.CodeServiceUnavailable, cause, "batch cancelled before item ran")
			r.Error = &task.ItemError{Code: string(e.Code), Message: e.Message}
		} else {
			completed++
			latency += r.LatencyMs
		}
		if r.Error != nil {
			out.ErrorCount++
			r.Usage = task.Usage{}
			r.Cost = task.Cost{}
			continue
		}
		out.SuccessCount++
		out.TotalCost += r.Cost.Total
	}
	if completed > 0 {
		out.AverageLatency = float64(latency) / float64(completed)
	}
	for _, g := range groups {
		out.Groups = append(out.Groups, task.GroupSummary{Strategy: g.Strategy, Size: len(g.Indices)})
	}
	return out
}
