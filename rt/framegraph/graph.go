package framegraph

import (
	"fmt"

	lumen "github.com/lumen3d/lumen"
	"github.com/lumen3d/lumen/rt/rhi"
)

type usage struct {
	desc   BufferAttachmentDesc
	access Access
}

type scope struct {
	pass   Pass
	usages []usage
}

// Interface is the declaration surface handed to one pass's
// SetupDependencies phase.
type Interface struct {
	graph *graph
	scope *scope
}

func (fg *Interface) Database() *AttachmentDatabase {
	return fg.graph.db
}

// UseAttachment declares a read or write of an attachment. Declaration
// phases run in pass-addition order, so a reader may declare before the
// producer has imported the buffer; ids are therefore validated against the
// database at compile time, once every pass has declared.
func (fg *Interface) UseAttachment(desc BufferAttachmentDesc, access Access) {
	fg.scope.usages = append(fg.scope.usages, usage{desc: desc, access: access})
}

// graph is the per-frame dependency record: one scope per enabled pass plus
// the attachment database for this execution.
type graph struct {
	db     *AttachmentDatabase
	scopes []*scope
}

func (g *graph) scopeFor(p Pass) *Interface {
	s := &scope{pass: p}
	g.scopes = append(g.scopes, s)
	return &Interface{graph: g, scope: s}
}

// compile validates every declared usage against the imported buffers, then
// orders scopes so that every attachment's writers record before its readers,
// keeping declaration order otherwise (stable Kahn traversal). An attachment
// used but never imported means the producing pass is missing from the
// pipeline.
func (g *graph) compile() []*scope {
	for _, s := range g.scopes {
		for _, u := range s.usages {
			if !g.db.IsValid(u.desc.Id) {
				panic(fmt.Sprintf("framegraph: pass %q uses attachment %q that no pass imported this frame",
					s.pass.Name(), u.desc.Id))
			}
		}
	}

	n := len(g.scopes)
	indegree := make([]int, n)
	edges := make([][]int, n)

	writers := make(map[AttachmentId][]int)
	for i, s := range g.scopes {
		for _, u := range s.usages {
			if u.access == AccessWrite {
				writers[u.desc.Id] = append(writers[u.desc.Id], i)
			}
		}
	}
	for i, s := range g.scopes {
		for _, u := range s.usages {
			if u.access != AccessRead {
				continue
			}
			for _, w := range writers[u.desc.Id] {
				if w == i {
					continue
				}
				edges[w] = append(edges[w], i)
				indegree[i]++
			}
		}
	}

	order := make([]*scope, 0, n)
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, g.scopes[i])
		for _, j := range edges[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(order) != n {
		panic("framegraph: attachment dependency cycle")
	}
	return order
}

// Pipeline owns an ordered set of passes and runs the two-phase frame loop:
// declare all dependencies, compile the scope order, then record.
type Pipeline struct {
	device rhi.Device
	passes []Pass
	db     *AttachmentDatabase
	frame  uint64
	log    lumen.Logger
}

func NewPipeline(device rhi.Device, log lumen.Logger) *Pipeline {
	if log == nil {
		log = lumen.NewNopLogger()
	}
	return &Pipeline{
		device: device,
		db:     NewAttachmentDatabase(),
		log:    log,
	}
}

func (p *Pipeline) Device() rhi.Device   { return p.device }
func (p *Pipeline) Logger() lumen.Logger { return p.log }

func (p *Pipeline) AddPass(pass Pass) {
	for _, existing := range p.passes {
		if existing.Name() == pass.Name() {
			panic(fmt.Sprintf("framegraph: pass %q is already in the pipeline", pass.Name()))
		}
	}
	p.passes = append(p.passes, pass)
	pass.Build(p)
}

// FindBinding resolves a pass's exported binding by name. Intended for
// pipeline assembly only, never per frame.
func (p *Pipeline) FindBinding(passName string, id AttachmentId) (*Binding, bool) {
	for _, pass := range p.passes {
		if pass.Name() != passName {
			continue
		}
		if exporter, ok := pass.(interface{ ExportedBinding(AttachmentId) *Binding }); ok {
			if b := exporter.ExportedBinding(id); b != nil {
				return b, true
			}
		}
	}
	return nil, false
}

// Execute runs one frame: declaration phase for every enabled pass, then the
// record phase in compiled order.
func (p *Pipeline) Execute(cl rhi.CommandList) {
	p.frame++
	p.db.Reset()

	g := &graph{db: p.db}
	for _, pass := range p.passes {
		if !pass.Enabled() {
			continue
		}
		pass.FrameBegin(p.frame)
		pass.SetupDependencies(g.scopeFor(pass))
	}

	ctx := &ExecuteContext{CommandList: cl, Frame: p.frame}
	for _, s := range g.compile() {
		p.log.Debugf("record %s", s.pass.Name())
		s.pass.Record(ctx)
	}
}
