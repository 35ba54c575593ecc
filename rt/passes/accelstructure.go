// Package passes holds the ray-tracing frame-graph passes: the skinning
// pass and the acceleration-structure pass that schedules BLAS/TLAS work.
package passes

import (
	"fmt"

	lumen "github.com/lumen3d/lumen"
	"github.com/lumen3d/lumen/rt/feature"
	"github.com/lumen3d/lumen/rt/framegraph"
	"github.com/lumen3d/lumen/rt/rhi"
)

// SkinnedBlasRebuildInterval is how often a skinned BLAS gets a full rebuild
// instead of a refit. Refits accumulate quality loss as the pose drifts from
// the tree's topology, so every interval-th frame per submesh falls back to
// a rebuild. The stagger key (asset hash + submesh index + frame count)
// spreads those rebuilds across frames instead of clustering them.
const SkinnedBlasRebuildInterval = 32

// AccelerationStructurePass keeps the scene's BLAS set and TLAS current.
// Per frame it runs two phases: SetupDependencies declares the TLAS buffer
// write and the skinning-stream read, Record emits the minimum build/refit
// command set. Disabled for its whole lifetime when the device lacks ray
// tracing support.
type AccelerationStructurePass struct {
	framegraph.PassBase
	device        rhi.Device
	feature       *feature.RayTracingFeature
	skinnedOutput *framegraph.Binding

	rebuildInterval uint32
	revision        uint32
	frameCount      uint32
	log             lumen.Logger
}

// Option configures pass construction.
type Option func(*AccelerationStructurePass)

// WithRebuildInterval overrides the skinned-BLAS rebuild interval.
// Zero keeps the default.
func WithRebuildInterval(interval uint32) Option {
	return func(p *AccelerationStructurePass) {
		if interval > 0 {
			p.rebuildInterval = interval
		}
	}
}

// WithLogger sets the logger the pass traces scheduling decisions through.
func WithLogger(log lumen.Logger) Option {
	return func(p *AccelerationStructurePass) {
		p.log = log
	}
}

// NewAccelerationStructurePass wires the pass to its collaborators.
// skinnedOutput is the skinning pass's output binding, resolved at pipeline
// assembly; it may be nil only for scenes that never register skinned meshes.
func NewAccelerationStructurePass(device rhi.Device, ft *feature.RayTracingFeature, skinnedOutput *framegraph.Binding, opts ...Option) *AccelerationStructurePass {
	p := &AccelerationStructurePass{
		PassBase:        framegraph.NewPassBase("AccelerationStructurePass"),
		device:          device,
		feature:         ft,
		skinnedOutput:   skinnedOutput,
		rebuildInterval: SkinnedBlasRebuildInterval,
		log:             lumen.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if !device.Features().RayTracing {
		p.SetEnabled(false)
	}
	return p
}

// SetupDependencies declares every buffer this frame's build touches.
// On a revision change it rebuilds the TLAS instance descriptor (dense,
// insertion-ordered instance IDs) and (re)allocates the TLAS buffers before
// importing and write-attaching them. The binding-refresh hook runs last:
// it must observe the reallocated TLAS, and it must run before any pass
// consuming the ray-tracing bindings this frame.
func (p *AccelerationStructurePass) SetupDependencies(fg *framegraph.Interface) {
	ft := p.feature
	if ft == nil {
		return
	}

	if ft.Revision() != p.revision {
		desc := (&rhi.TlasDescriptor{}).Build()
		for instanceIndex, subMesh := range ft.SubMeshes() {
			desc.Instance().
				InstanceID(uint32(instanceIndex)).
				InstanceMask(subMesh.Mesh.InstanceMask).
				HitGroupIndex(0).
				Blas(subMesh.Blas).
				Transform(subMesh.Mesh.Transform).
				Transparent(subMesh.BaseColor.W() < 1.0)
			if subMesh.Mesh.HasNonUniformScale {
				desc.NonUniformScale(subMesh.Mesh.NonUniformScale)
			}
		}

		if err := ft.Tlas().CreateBuffers(p.device, desc, ft.BufferPool()); err != nil {
			panic(fmt.Sprintf("passes: TLAS buffer allocation: %v", err))
		}
		p.log.Debugf("TLAS descriptor rebuilt with %d instances (revision %d)",
			ft.SubMeshCount(), ft.Revision())

		if tlasBuffer := ft.Tlas().TlasBuffer(); tlasBuffer != nil && ft.SubMeshCount() > 0 {
			db := fg.Database()
			if !db.IsValid(feature.TlasAttachment) {
				if err := db.ImportBuffer(feature.TlasAttachment, tlasBuffer); err != nil {
					panic(fmt.Sprintf("passes: failed to import ray tracing TLAS buffer: %v", err))
				}
			}
			fg.UseAttachment(framegraph.BufferAttachmentDesc{
				Id:   feature.TlasAttachment,
				View: framegraph.ViewRayTracingTlas,
				Load: framegraph.LoadDontCare,
			}, framegraph.AccessWrite)
		}
	}

	// Reading the skinning output orders this pass strictly after the
	// skinning pass. The pipeline is assumed to carry that pass whenever
	// skinned meshes are registered.
	if ft.SkinnedMeshCount() > 0 {
		if p.skinnedOutput == nil {
			panic("passes: skinned meshes registered but no skinning output binding was resolved")
		}
		fg.UseAttachment(p.skinnedOutput.Desc, framegraph.AccessRead)
	}

	// The bound buffer identities and mesh data must agree exactly with the
	// TLAS this frame; refreshing any earlier risks a device timeout from
	// mismatched buffer/structure state.
	ft.RefreshBindings()
}

// Record emits this frame's build/refit commands. Every early exit is a
// legitimate no-op, not an error.
func (p *AccelerationStructurePass) Record(ctx *framegraph.ExecuteContext) {
	ft := p.feature
	if ft == nil {
		return
	}

	if ft.Tlas().TlasBuffer() == nil {
		return
	}

	if ft.Revision() == p.revision && ft.SkinnedMeshCount() == 0 {
		// TLAS is up to date
		return
	}

	// Cache the revision even if nothing is processed below, so a later
	// frame recognizes the current set as already handled.
	p.revision = ft.Revision()

	if ft.SubMeshCount() == 0 {
		return
	}

	for id, inst := range ft.BlasInstances() {
		if inst.Built && !inst.Skinned {
			continue
		}

		for submeshIndex, blas := range inst.SubMeshes {
			if !inst.Built {
				// A first build can never be an incremental update.
				ctx.CommandList.BuildBottomLevelAS(blas)
				continue
			}

			// Stagger full rebuilds of skinned BLAS structures: the sum of
			// asset hash, submesh index and frame count distributes each
			// submesh's rebuild to a different frame of the interval.
			key := id.Hash() + uint32(submeshIndex) + p.frameCount
			if inst.Skinned && key%p.rebuildInterval != 0 {
				ctx.CommandList.UpdateBottomLevelAS(blas)
			} else {
				ctx.CommandList.BuildBottomLevelAS(blas)
			}
		}

		inst.Built = true
	}

	ctx.CommandList.BuildTopLevelAS(ft.Tlas())
	p.frameCount++
}
