// Package recipe describes the reduction steps and how they are executed.
//
// A Descriptor is the static shape of a step: the raw type it consumes,
// the calibration frames it needs and the products it emits. An Executor
// actually runs a step; the production executor shells out to the
// instrument pipeline driver, tests plug in a function.
package recipe

import (
	"context"

	"github.com/nocturne-drs/nocturne/internal/frames"
	"github.com/nocturne-drs/nocturne/internal/record"
)

// Kind separates night-level calibration recipes from per-exposure science
// recipes and selection-level combination recipes.
type Kind int

const (
	KindCalib Kind = iota + 1
	KindScience
	KindCombine
)

// Descriptor is the static declaration of a recipe.
type Descriptor struct {
	Name     string
	Kind     Kind
	DPRType  string        // raw or intermediate input type
	Needs    []frames.Need // calibration frames consumed
	Products []string      // product types emitted
	// MinInputs rejects degenerate sequences (a master bias needs more
	// than one raw bias).
	MinInputs int
	// Illum marks recipes that want the nearest illumination exposure
	// attached to their frame map.
	Illum bool
}

// Invocation is everything an executor needs to run one recipe once.
type Invocation struct {
	Recipe    string         `json:"recipe"`
	Target    string         `json:"target"`
	Version   string         `json:"version"`
	Night     string         `json:"night,omitempty"`
	InsMode   string         `json:"ins_mode,omitempty"`
	Inputs    []frames.File  `json:"inputs"`
	Frames    frames.Map     `json:"frames,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	OutputDir string         `json:"output_dir"`
	LogPath   string         `json:"log_path,omitempty"`
}

// Report is what an executor returns for a completed run.
type Report struct {
	Products []record.Product `json:"products"`
}

// Executor runs recipe invocations.
type Executor interface {
	Run(ctx context.Context, inv Invocation) (*Report, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, inv Invocation) (*Report, error)

func (f Func) Run(ctx context.Context, inv Invocation) (*Report, error) {
	return f(ctx, inv)
}
