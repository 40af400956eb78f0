package pipeline

import (
	"context"
)

// StageState is the lifecycle state of one stage within a run.
type StageState string

const (
	StatePending   StageState = "pending"
	StateRunning   StageState = "running"
	StateSucceeded StageState = "succeeded"
	StateFailed    StageState = "failed"
	StateSkipped   StageState = "skipped"
)

// Terminal reports whether s is a final state.
func (s StageState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// StageFunc executes one stage.
type StageFunc func(ctx context.Context, stage string) error

// Hooks observe stage transitions. They are called from the walking
// goroutine only, never concurrently.
type Hooks struct {
	OnStart  func(stage string)
	OnFinish func(stage string, state StageState, err error)
}

type stageDone struct {
	stage string
	err   error
}

// Walk runs every stage of g whose parents all succeeded, concurrently where
// the graph allows it. A failed stage marks every transitively downstream
// pending stage skipped; stages already running are waited for. When ctx is
// done no new stage starts. Walk returns the final state of each stage.
func Walk(ctx context.Context, g *Graph, run StageFunc, hooks Hooks) map[string]StageState {
	states := make(map[string]StageState, len(g.names))
	for _, name := range g.names {
		states[name] = StatePending
	}
	finish := func(stage string, state StageState, err error) {
		states[stage] = state
		if hooks.OnFinish != nil {
			hooks.OnFinish(stage, state, err)
		}
	}
	skipDownstream := func(stage string) {
		for _, d := range g.Downstream(stage) {
			if states[d] == StatePending {
				finish(d, StateSkipped, nil)
			}
		}
	}

	done := make(chan stageDone, len(g.names))
	running := 0
	for {
		if ctx.Err() == nil {
			for _, name := range g.names {
				if states[name] != StatePending || !parentsSucceeded(g, states, name) {
					continue
				}
				states[name] = StateRunning
				if hooks.OnStart != nil {
					hooks.OnStart(name)
				}
				running++
				go func(stage string) {
					done <- stageDone{stage: stage, err: run(ctx, stage)}
				}(name)
			}
		}
		if running == 0 {
			break
		}

		res := <-done
		running--
		if res.err != nil {
			finish(res.stage, StateFailed, res.err)
			skipDownstream(res.stage)
			continue
		}
		finish(res.stage, StateSucceeded, nil)
	}

	// Only reachable with pending stages left when ctx was cancelled.
	for _, name := range g.names {
		if states[name] == StatePending {
			finish(name, StateSkipped, ctx.Err())
		}
	}
	return states
}

func parentsSucceeded(g *Graph, states map[string]StageState, stage string) bool {
	for _, p := range g.incoming[g.index[stage]] {
		if states[g.names[p]] != StateSucceeded {
			return false
		}
	}
	return true
}
