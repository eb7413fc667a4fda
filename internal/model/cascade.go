package model

import (
	"fmt"
)

// Stage is one step of a cascade: a model constructed lazily from the
// results of the stages before it.
type Stage struct {
	Name  string
	Build func(prior StageResults) (Model, error)
}

// Cascade sequences a chain of model-fit stages. It is an explicit state
// machine over a cursor into the stage list: pending (cursor 0), running
// (0 < cursor < len) and exhausted (cursor == len). Stages execute strictly
// in chain order.
type Cascade struct {
	name   string
	stages []Stage
	cursor int
}

// NewCascade builds a cascade from its ordered stages.
func NewCascade(name string, stages []Stage) *Cascade {
	return &Cascade{name: name, stages: stages}
}

func (c *Cascade) Name() string { return c.name }

// StageNames lists the stage model names in chain order.
func (c *Cascade) StageNames() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// HasNext reports whether an unresolved stage remains.
func (c *Cascade) HasNext() bool {
	return c.cursor < len(c.stages)
}

// Next constructs the next stage's model using the results accumulated so
// far and advances the cursor.
func (c *Cascade) Next(prior StageResults) (Model, error) {
	if !c.HasNext() {
		return nil, fmt.Errorf("cascade %s is exhausted", c.name)
	}
	stage := c.stages[c.cursor]
	m, err := stage.Build(prior)
	if err != nil {
		return nil, fmt.Errorf("building stage %s of cascade %s: %w", stage.Name, c.name, err)
	}
	c.cursor++
	return m, nil
}

// Reset returns the cascade to pending, discarding only the position. Stage
// results already handed to the caller stay with the caller; one cascade
// value can thus be iterated once per cascade path sharing these stages.
func (c *Cascade) Reset() {
	c.cursor = 0
}
