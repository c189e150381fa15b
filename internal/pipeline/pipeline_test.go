package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-bridge/internal/monitoring"
	"github.com/compresr/ai-bridge/internal/pipeline"
)

func recorder(name string, seen *[]string, err error) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(ctx context.Context, c *pipeline.Call) error {
		*seen = append(*seen, name)
		return err
	}}
}

func TestRun_OrderedStages(t *testing.T) {
	var seen []string
	p := pipeline.New(nil,
		recorder("admit", &seen, nil),
		recorder("route", &seen, nil),
		recorder("plan", &seen, nil),
	)

	require.NoError(t, p.Run(context.Background(), &pipeline.Call{RequestID: "r"}))
	assert.Equal(t, []string{"admit", "route", "plan"}, seen)
	assert.Equal(t, []string{"admit", "route", "plan"}, p.Stages())
}

func TestRun_ShortCircuitsOnError(t *testing.T) {
	var seen []string
	boom := errors.New("rejected")
	p := pipeline.New(nil,
		recorder("admit", &seen, boom),
		recorder("route", &seen, nil),
	)

	err := p.Run(context.Background(), &pipeline.Call{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"admit"}, seen)
}

func TestRun_StopsWhenCancelled(t *testing.T) {
	var seen []string
	ctx, cancel := context.WithCancel(context.Background())
	p := pipeline.New(nil,
		pipeline.StageFunc{StageName: "first", Fn: func(context.Context, *pipeline.Call) error {
			seen = append(seen, "first")
			cancel()
			return nil
		}},
		recorder("second", &seen, nil),
	)

	err := p.Run(ctx, &pipeline.Call{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first"}, seen)
}

func TestRun_LogsEachStage(t *testing.T) {
	var buf bytes.Buffer
	rl := monitoring.NewRequestLogger(monitoring.NewWithWriter(&buf, zerolog.DebugLevel))
	var seen []string
	p := pipeline.New(rl, recorder("admit", &seen, nil), recorder("route", &seen, errors.New("no route")))

	_ = p.Run(context.Background(), &pipeline.Call{RequestID: "req-7"})
	out := buf.String()
	assert.Contains(t, out, `"stage":"admit"`)
	assert.Contains(t, out, `"stage":"route"`)
	assert.Contains(t, out, `"error":"no route"`)
	assert.Contains(t, out, `"request_id":"req-7"`)
}
