package rhi

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/lumen3d/lumen/rt/bvh"
)

// CommandList records acceleration-structure work for a frame. Recording is
// synchronous CPU-side work; nothing is awaited. Contract violations
// (refitting a never-built structure, building a TLAS with dangling BLAS
// references) panic: they indicate broken pipeline wiring, and continuing
// risks GPU-side undefined behavior.
type CommandList interface {
	// BuildBottomLevelAS constructs the BLAS from its current geometry,
	// replacing any previous tree.
	BuildBottomLevelAS(blas *Blas)

	// UpdateBottomLevelAS refits the existing tree to the current geometry
	// without changing topology. Only valid after at least one build.
	UpdateBottomLevelAS(blas *Blas)

	// BuildTopLevelAS rebuilds the TLAS from its current instance
	// descriptors and BLAS root bounds. There is no incremental variant.
	BuildTopLevelAS(tlas *Tlas)

	// UploadBuffer writes raw bytes into a pooled buffer (vertex streams).
	UploadBuffer(buf Buffer, offset uint64, data []byte)
}

// GpuCommandList builds BVH node trees on the CPU and streams the encoded
// nodes into pooled device buffers. It backs both the wgpu device and the
// headless memory device.
type GpuCommandList struct {
	pool *BufferPool
}

func NewGpuCommandList(pool *BufferPool) *GpuCommandList {
	return &GpuCommandList{pool: pool}
}

func (cl *GpuCommandList) BuildBottomLevelAS(blas *Blas) {
	bounds, err := blas.leafBounds()
	if err != nil {
		panic(fmt.Sprintf("rhi: BLAS build: %v", err))
	}
	blas.nodes = bvh.Build(bounds)
	cl.writeBlas(blas)
}

func (cl *GpuCommandList) UpdateBottomLevelAS(blas *Blas) {
	if blas.nodes == nil {
		panic(fmt.Sprintf("rhi: BLAS update of %q before first build", blas.label))
	}
	bounds, err := blas.leafBounds()
	if err != nil {
		panic(fmt.Sprintf("rhi: BLAS refit: %v", err))
	}
	if err := bvh.Refit(blas.nodes, bounds); err != nil {
		panic(fmt.Sprintf("rhi: BLAS refit of %q: %v", blas.label, err))
	}
	cl.writeBlas(blas)
}

func (cl *GpuCommandList) writeBlas(blas *Blas) {
	data := bvh.Encode(blas.nodes)
	buf, _, err := cl.pool.Ensure(blas.label, blas.buffer, uint64(len(data)))
	if err != nil {
		panic(fmt.Sprintf("rhi: BLAS buffer %q: %v", blas.label, err))
	}
	blas.buffer = buf
	buf.Write(0, data)
}

func (cl *GpuCommandList) BuildTopLevelAS(tlas *Tlas) {
	if tlas.tlasBuffer == nil || tlas.descriptor == nil {
		panic("rhi: TLAS build without CreateBuffers")
	}

	instances := tlas.descriptor.instances
	aabbs := make([][2]mgl32.Vec3, len(instances))
	instData := make([]byte, len(instances)*TlasInstanceSize)
	for i := range instances {
		inst := &instances[i]
		if inst.Blas == nil {
			panic(fmt.Sprintf("rhi: TLAS instance %d has no BLAS", inst.InstanceID))
		}
		m := inst.Transform.Mul4(mgl32.Scale3D(
			inst.NonUniformScale.X(), inst.NonUniformScale.Y(), inst.NonUniformScale.Z()))
		bounds, ok := inst.Blas.WorldBounds(m)
		if !ok {
			panic(fmt.Sprintf("rhi: TLAS instance %d references unbuilt BLAS %q", inst.InstanceID, inst.Blas.label))
		}
		aabbs[i] = bounds
		encodeInstance(instData[i*TlasInstanceSize:], inst, bounds)
	}

	tlas.nodes = bvh.Build(aabbs)
	tlas.tlasBuffer.Write(0, bvh.Encode(tlas.nodes))
	tlas.instancesBuffer.Write(0, instData)
}

// UploadBuffer writes data through the pooled buffer.
func (cl *GpuCommandList) UploadBuffer(buf Buffer, offset uint64, data []byte) {
	buf.Write(offset, data)
}
