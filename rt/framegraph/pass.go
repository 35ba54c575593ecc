package framegraph

import (
	"github.com/lumen3d/lumen/rt/rhi"
)

// ExecuteContext is handed to each scope's record phase.
type ExecuteContext struct {
	CommandList rhi.CommandList
	Frame       uint64
}

// Pass is the fixed lifecycle of a frame-graph pass. All phases but
// SetupDependencies and Record are optional; PassBase supplies no-ops so a
// pass overrides only the phases it participates in.
//
// Per-frame ordering guaranteed by the pipeline: FrameBegin and
// SetupDependencies run for every enabled pass before any Record runs, and
// Record order follows the compiled attachment dependencies.
type Pass interface {
	Name() string
	Enabled() bool

	// Build runs once when the pass is added to a pipeline.
	Build(pipeline *Pipeline)

	// FrameBegin runs at the top of each frame, before dependency declaration.
	FrameBegin(frame uint64)

	// SetupDependencies declares every attachment the pass reads or writes
	// this frame. No commands may be recorded here.
	SetupDependencies(fg *Interface)

	// Record emits the pass's GPU commands for this frame.
	Record(ctx *ExecuteContext)
}

// PassBase carries the common pass state and default no-op phases.
type PassBase struct {
	name    string
	enabled bool
}

func NewPassBase(name string) PassBase {
	return PassBase{name: name, enabled: true}
}

func (p *PassBase) Name() string  { return p.name }
func (p *PassBase) Enabled() bool { return p.enabled }

func (p *PassBase) SetEnabled(enabled bool) {
	p.enabled = enabled
}

func (p *PassBase) Build(pipeline *Pipeline)        {}
func (p *PassBase) FrameBegin(frame uint64)         {}
func (p *PassBase) SetupDependencies(fg *Interface) {}
func (p *PassBase) Record(ctx *ExecuteContext)      {}

// Binding is a typed handle to another pass's named attachment, resolved
// once at pipeline assembly. Consumers hold the *Binding instead of looking
// the producer up by name every frame.
type Binding struct {
	Pass string
	Desc BufferAttachmentDesc
}
