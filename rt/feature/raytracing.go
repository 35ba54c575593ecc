// Package feature owns the scene-side ray-tracing state: the participating
// submesh set, the per-mesh BLAS build state, and the single scene TLAS.
// It is the data the acceleration-structure pass reads each frame.
package feature

import (
	"fmt"
	"hash/fnv"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	lumen "github.com/lumen3d/lumen"
	"github.com/lumen3d/lumen/rt/framegraph"
	"github.com/lumen3d/lumen/rt/rhi"
)

// TlasAttachment is the frame-graph id of the scene TLAS buffer.
const TlasAttachment framegraph.AttachmentId = "RayTracingTlas"

// AssetId is the stable identity of a mesh asset.
type AssetId string

func NewAssetId() AssetId {
	return AssetId(uuid.NewString())
}

// Hash is the stable per-asset value feeding the staggered-rebuild key.
func (id AssetId) Hash() uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}

// Mesh groups the submeshes of one registered asset instance.
type Mesh struct {
	Transform          mgl32.Mat4
	InstanceMask       uint32
	NonUniformScale    mgl32.Vec3
	HasNonUniformScale bool
	Skinned            bool
}

// SubMesh is one ray-tracing participant. Immutable per frame except through
// its owning mesh. BaseColor alpha below 1 marks the instance transparent.
type SubMesh struct {
	Mesh      *Mesh
	Blas      *rhi.Blas
	BaseColor mgl32.Vec4

	asset AssetId
}

func (s *SubMesh) Asset() AssetId { return s.asset }

// BlasInstance tracks build state for one mesh's BLAS set. Built transitions
// false to true exactly once, on the first build, and never reverts.
type BlasInstance struct {
	SubMeshes []*rhi.Blas
	Built     bool
	Skinned   bool
}

// RayTracingFeature is the single-writer scene state consumed by the
// acceleration-structure pass. Revision changes iff submesh membership
// changes; per-frame transform updates do not touch it.
type RayTracingFeature struct {
	device rhi.Device
	pool   *rhi.BufferPool
	tlas   *rhi.Tlas

	subMeshes     []*SubMesh
	blasInstances map[AssetId]*BlasInstance
	skinnedCount  int
	revision      uint32

	refreshBindings func()
	log             lumen.Logger
}

func New(device rhi.Device, pool *rhi.BufferPool, log lumen.Logger) *RayTracingFeature {
	if log == nil {
		log = lumen.NewNopLogger()
	}
	return &RayTracingFeature{
		device:        device,
		pool:          pool,
		tlas:          rhi.NewTlas(),
		blasInstances: make(map[AssetId]*BlasInstance),
		log:           log,
	}
}

func (f *RayTracingFeature) Device() rhi.Device          { return f.device }
func (f *RayTracingFeature) BufferPool() *rhi.BufferPool { return f.pool }
func (f *RayTracingFeature) Tlas() *rhi.Tlas             { return f.tlas }
func (f *RayTracingFeature) Revision() uint32            { return f.revision }
func (f *RayTracingFeature) SubMeshCount() int           { return len(f.subMeshes) }
func (f *RayTracingFeature) SkinnedMeshCount() int       { return f.skinnedCount }

// SubMeshes returns the dense, insertion-ordered participant list. Instance
// IDs are positions in this list; they are not stable across removals.
func (f *RayTracingFeature) SubMeshes() []*SubMesh {
	return f.subMeshes
}

func (f *RayTracingFeature) BlasInstances() map[AssetId]*BlasInstance {
	return f.blasInstances
}

// AddMesh registers a mesh's submeshes for ray tracing and bumps the
// revision. The id must be new to the scene.
func (f *RayTracingFeature) AddMesh(id AssetId, mesh *Mesh, subMeshes []*SubMesh) error {
	if _, ok := f.blasInstances[id]; ok {
		return fmt.Errorf("feature: mesh %s is already registered", id)
	}
	if len(subMeshes) == 0 {
		return fmt.Errorf("feature: mesh %s has no submeshes", id)
	}

	inst := &BlasInstance{Skinned: mesh.Skinned}
	for _, sm := range subMeshes {
		sm.Mesh = mesh
		sm.asset = id
		inst.SubMeshes = append(inst.SubMeshes, sm.Blas)
		f.subMeshes = append(f.subMeshes, sm)
	}
	f.blasInstances[id] = inst
	if mesh.Skinned {
		f.skinnedCount++
	}
	f.revision++
	f.log.Debugf("feature: added mesh %s (%d submeshes, skinned=%v), revision %d",
		id, len(subMeshes), mesh.Skinned, f.revision)
	return nil
}

// RemoveMesh deregisters a mesh, repacking the submesh list densely and
// bumping the revision. Unknown ids are a no-op.
func (f *RayTracingFeature) RemoveMesh(id AssetId) {
	inst, ok := f.blasInstances[id]
	if !ok {
		return
	}
	delete(f.blasInstances, id)
	if inst.Skinned {
		f.skinnedCount--
	}

	kept := f.subMeshes[:0]
	for _, sm := range f.subMeshes {
		if sm.asset != id {
			kept = append(kept, sm)
		}
	}
	f.subMeshes = kept
	f.revision++
	f.log.Debugf("feature: removed mesh %s, revision %d", id, f.revision)
}

// SetBindingRefresh installs the hook that recompiles the ray-tracing shader
// resource bindings. The pass invokes it after any TLAS reallocation and
// before any consumer of those bindings records.
func (f *RayTracingFeature) SetBindingRefresh(fn func()) {
	f.refreshBindings = fn
}

func (f *RayTracingFeature) RefreshBindings() {
	if f.refreshBindings != nil {
		f.refreshBindings()
	}
}
