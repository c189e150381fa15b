// Package pipeline runs a request through an explicit, ordered list of stages.
//
// DESIGN: Each stage is a plain Stage implementation that reads and fills the
// shared Call. Stages run in declaration order and the first error stops the
// run, so ordering and short-circuiting are visible at the construction site:
//
//	validate -> admit -> route -> plan -> execute
//
// Invoke runs all five. Stream runs the first four through the pipeline and
// hands the plan to the streaming relay. Batch items each run the full list.
package pipeline

import (
	"context"
	"time"

	"github.com/compresr/ai-bridge/internal/monitoring"
	"github.com/compresr/ai-bridge/internal/policy"
	"github.com/compresr/ai-bridge/internal/ratelimit"
	"github.com/compresr/ai-bridge/internal/task"
)

// Call carries one request through the stages. It is owned by a single
// request's execution path and never shared.
type Call struct {
	RequestID     string // assigned by the bridge, unique per call
	CorrelationID string // client supplied, may repeat
	Caller        task.Identity
	Request       *task.Request
	Stream        bool
	Start         time.Time

	// Filled by stages.
	EstimatedCost float64
	Ticket        *ratelimit.Ticket
	Decision      *policy.Decision
	Plan          *task.Plan
	Response      *task.Response
	Attempts      int
}

// Stage is one pipeline step.
type Stage interface {
	// Name identifies the stage in logs.
	Name() string

	// Process reads and fills the call. A non-nil error stops the pipeline.
	Process(ctx context.Context, c *Call) error
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, c *Call) error
}

// Name implements Stage.
func (s StageFunc) Name() string { return s.StageName }

// Process implements Stage.
func (s StageFunc) Process(ctx context.Context, c *Call) error { return s.Fn(ctx, c) }

// Pipeline is an immutable ordered stage list.
type Pipeline struct {
	stages []Stage
	logger *monitoring.RequestLogger
}

// New creates a pipeline. logger may be nil.
func New(logger *monitoring.RequestLogger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...), logger: logger}
}

// Stages returns the stage names in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run processes c through every stage in order, stopping at the first error.
// A cancelled context stops the run before the next stage.
func (p *Pipeline) Run(ctx context.Context, c *Call) error {
	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := s.Process(ctx, c)
		if p.logger != nil {
			p.logger.LogPipelineStage(&monitoring.PipelineStageInfo{
				RequestID: c.RequestID,
				Stage:     s.Name(),
				Duration:  time.Since(start),
				Err:       err,
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}
