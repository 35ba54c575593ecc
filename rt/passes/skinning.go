package passes

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/lumen3d/lumen/rt/framegraph"
	"github.com/lumen3d/lumen/rt/rhi"
)

// SkinnedMeshOutputAttachment is the skinning pass's exported vertex stream.
// The acceleration-structure pass reads it to order itself after skinning.
const SkinnedMeshOutputAttachment framegraph.AttachmentId = "SkinnedMeshOutputStream"

// SkinJob deforms one skinned geometry each frame: rest-pose positions are
// transformed by the per-vertex palette matrix and written both into the
// target slice (the BLAS's live geometry) and the output vertex stream.
type SkinJob struct {
	Rest    []mgl32.Vec3
	Joints  []int
	Palette []mgl32.Mat4
	Out     []mgl32.Vec3
}

// SkinningPass produces the skinned vertex stream. It exists so passes that
// consume skinned geometry (the acceleration-structure build) can declare a
// read on its output and be ordered strictly after it.
type SkinningPass struct {
	framegraph.PassBase
	pool    *rhi.BufferPool
	jobs    []*SkinJob
	output  rhi.Buffer
	binding *framegraph.Binding
}

func NewSkinningPass(pool *rhi.BufferPool) *SkinningPass {
	return &SkinningPass{
		PassBase: framegraph.NewPassBase("SkinningPass"),
		pool:     pool,
		binding: &framegraph.Binding{
			Pass: "SkinningPass",
			Desc: framegraph.BufferAttachmentDesc{
				Id:   SkinnedMeshOutputAttachment,
				View: framegraph.ViewStorage,
				Load: framegraph.LoadDontCare,
			},
		},
	}
}

func (p *SkinningPass) AddJob(job *SkinJob) {
	if len(job.Rest) != len(job.Joints) || len(job.Rest) != len(job.Out) {
		panic(fmt.Sprintf("passes: skin job size mismatch (%d rest, %d joints, %d out)",
			len(job.Rest), len(job.Joints), len(job.Out)))
	}
	p.jobs = append(p.jobs, job)
}

// OutputBinding is the typed handle consumers hold, resolved once at
// pipeline assembly.
func (p *SkinningPass) OutputBinding() *framegraph.Binding {
	return p.binding
}

func (p *SkinningPass) ExportedBinding(id framegraph.AttachmentId) *framegraph.Binding {
	if id == SkinnedMeshOutputAttachment {
		return p.binding
	}
	return nil
}

func (p *SkinningPass) SetupDependencies(fg *framegraph.Interface) {
	if len(p.jobs) == 0 {
		return
	}

	var verts uint64
	for _, job := range p.jobs {
		verts += uint64(len(job.Rest))
	}
	buf, _, err := p.pool.Ensure(string(SkinnedMeshOutputAttachment), p.output, verts*12)
	if err != nil {
		panic(fmt.Sprintf("passes: skinned output stream: %v", err))
	}
	p.output = buf

	if err := fg.Database().ImportBuffer(SkinnedMeshOutputAttachment, p.output); err != nil {
		panic(fmt.Sprintf("passes: import skinned output stream: %v", err))
	}
	fg.UseAttachment(p.binding.Desc, framegraph.AccessWrite)
}

func (p *SkinningPass) Record(ctx *framegraph.ExecuteContext) {
	if len(p.jobs) == 0 {
		return
	}

	var offset uint64
	for _, job := range p.jobs {
		data := make([]byte, len(job.Rest)*12)
		for i, v := range job.Rest {
			skinned := job.Palette[job.Joints[i]].Mul4x1(v.Vec4(1.0)).Vec3()
			job.Out[i] = skinned
			for k := 0; k < 3; k++ {
				binary.LittleEndian.PutUint32(data[i*12+k*4:], math.Float32bits(skinned[k]))
			}
		}
		ctx.CommandList.UploadBuffer(p.output, offset, data)
		offset += uint64(len(data))
	}
}
