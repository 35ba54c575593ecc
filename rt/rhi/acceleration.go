package rhi

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/lumen3d/lumen/rt/bvh"
)

// BlasGeometry is one triangle geometry of a bottom-level structure.
// Positions are mutable between frames (the skinning pass rewrites them);
// the index topology is fixed for the lifetime of the BLAS.
type BlasGeometry struct {
	Positions []mgl32.Vec3
	Indices   []uint32
}

// BlasDescriptor describes the geometries of a bottom-level acceleration
// structure. Built fluently:
//
//	desc := (&rhi.BlasDescriptor{}).Build().
//		Geometry().VertexBuffer(positions).IndexBuffer(indices)
type BlasDescriptor struct {
	geometries []BlasGeometry
	buildCtx   *BlasGeometry
}

func (d *BlasDescriptor) Build() *BlasDescriptor {
	return d
}

func (d *BlasDescriptor) Geometry() *BlasDescriptor {
	d.geometries = append(d.geometries, BlasGeometry{})
	d.buildCtx = &d.geometries[len(d.geometries)-1]
	return d
}

func (d *BlasDescriptor) VertexBuffer(positions []mgl32.Vec3) *BlasDescriptor {
	if d.buildCtx == nil {
		panic("rhi: VertexBuffer property can only be added to a Geometry entry")
	}
	d.buildCtx.Positions = positions
	return d
}

func (d *BlasDescriptor) IndexBuffer(indices []uint32) *BlasDescriptor {
	if d.buildCtx == nil {
		panic("rhi: IndexBuffer property can only be added to a Geometry entry")
	}
	d.buildCtx.Indices = indices
	return d
}

func (d *BlasDescriptor) Geometries() []BlasGeometry {
	return d.geometries
}

// Blas is a bottom-level acceleration structure: a BVH over one mesh's
// triangles, stored in a pooled GPU buffer. Construction and refit are
// performed by the command list, not by the caller.
type Blas struct {
	label      string
	descriptor *BlasDescriptor
	nodes      []bvh.Node
	buffer     Buffer
}

func NewBlas(label string, desc *BlasDescriptor) *Blas {
	return &Blas{label: label, descriptor: desc}
}

func (b *Blas) Label() string               { return b.label }
func (b *Blas) Descriptor() *BlasDescriptor { return b.descriptor }
func (b *Blas) Buffer() Buffer              { return b.buffer }

// IsBuilt reports whether the structure has been constructed at least once.
func (b *Blas) IsBuilt() bool { return b.nodes != nil }

// WorldBounds returns the root bounds transformed by m (conservative
// eight-corner transform).
func (b *Blas) WorldBounds(m mgl32.Mat4) ([2]mgl32.Vec3, bool) {
	if b.nodes == nil {
		return [2]mgl32.Vec3{}, false
	}
	root := b.nodes[0]
	corners := [8]mgl32.Vec3{
		{root.Min.X(), root.Min.Y(), root.Min.Z()},
		{root.Max.X(), root.Min.Y(), root.Min.Z()},
		{root.Min.X(), root.Max.Y(), root.Min.Z()},
		{root.Max.X(), root.Max.Y(), root.Min.Z()},
		{root.Min.X(), root.Min.Y(), root.Max.Z()},
		{root.Max.X(), root.Min.Y(), root.Max.Z()},
		{root.Min.X(), root.Max.Y(), root.Max.Z()},
		{root.Max.X(), root.Max.Y(), root.Max.Z()},
	}

	inf := float32(math.Inf(1))
	lo := mgl32.Vec3{inf, inf, inf}
	hi := mgl32.Vec3{-inf, -inf, -inf}
	for _, c := range corners {
		wc := m.Mul4x1(c.Vec4(1.0)).Vec3()
		for k := 0; k < 3; k++ {
			if wc[k] < lo[k] {
				lo[k] = wc[k]
			}
			if wc[k] > hi[k] {
				hi[k] = wc[k]
			}
		}
	}
	return [2]mgl32.Vec3{lo, hi}, true
}

func (b *Blas) leafBounds() ([][2]mgl32.Vec3, error) {
	var out [][2]mgl32.Vec3
	for gi := range b.descriptor.geometries {
		g := &b.descriptor.geometries[gi]
		bounds, err := bvh.TriangleBounds(g.Positions, g.Indices)
		if err != nil {
			return nil, fmt.Errorf("%s geometry %d: %w", b.label, gi, err)
		}
		out = append(out, bounds...)
	}
	return out, nil
}

// TlasInstance is one entry of the top-level structure: a reference into a
// BLAS plus per-instance shading state.
type TlasInstance struct {
	InstanceID      uint32
	InstanceMask    uint32
	HitGroupIndex   uint32
	Blas            *Blas
	Transform       mgl32.Mat4
	NonUniformScale mgl32.Vec3
	Transparent     bool
}

// TlasDescriptor describes the instance set of a top-level structure,
// built fluently in instance order:
//
//	desc.Build().Instance().
//		InstanceID(i).InstanceMask(m).HitGroupIndex(0).
//		Blas(blas).Transform(t).NonUniformScale(s).Transparent(false)
type TlasDescriptor struct {
	instances []TlasInstance
	buildCtx  *TlasInstance
}

func (d *TlasDescriptor) Build() *TlasDescriptor {
	return d
}

func (d *TlasDescriptor) Instance() *TlasDescriptor {
	d.instances = append(d.instances, TlasInstance{
		NonUniformScale: mgl32.Vec3{1, 1, 1},
	})
	d.buildCtx = &d.instances[len(d.instances)-1]
	return d
}

func (d *TlasDescriptor) instanceCtx(property string) *TlasInstance {
	if d.buildCtx == nil {
		panic(fmt.Sprintf("rhi: %s property can only be added to an Instance entry", property))
	}
	return d.buildCtx
}

func (d *TlasDescriptor) InstanceID(id uint32) *TlasDescriptor {
	d.instanceCtx("InstanceID").InstanceID = id
	return d
}

func (d *TlasDescriptor) InstanceMask(mask uint32) *TlasDescriptor {
	d.instanceCtx("InstanceMask").InstanceMask = mask
	return d
}

func (d *TlasDescriptor) HitGroupIndex(index uint32) *TlasDescriptor {
	d.instanceCtx("HitGroupIndex").HitGroupIndex = index
	return d
}

func (d *TlasDescriptor) Blas(blas *Blas) *TlasDescriptor {
	d.instanceCtx("Blas").Blas = blas
	return d
}

func (d *TlasDescriptor) Transform(transform mgl32.Mat4) *TlasDescriptor {
	d.instanceCtx("Transform").Transform = transform
	return d
}

func (d *TlasDescriptor) NonUniformScale(scale mgl32.Vec3) *TlasDescriptor {
	d.instanceCtx("NonUniformScale").NonUniformScale = scale
	return d
}

func (d *TlasDescriptor) Transparent(transparent bool) *TlasDescriptor {
	d.instanceCtx("Transparent").Transparent = transparent
	return d
}

func (d *TlasDescriptor) Instances() []TlasInstance {
	return d.instances
}

// Instance wire layout consumed by the traversal kernel:
//   transform    : mat4x4<f32>  (64)
//   id_mask_hit  : vec4<u32>    (16)  id, mask, hitGroup, flags (bit0 transparent)
//   aabb_min     : vec4<f32>    (16)
//   aabb_max     : vec4<f32>    (16)
const TlasInstanceSize = 112

const tlasInstanceFlagTransparent = 1 << 0

// Tlas is the single scene-wide top-level structure. Its buffers are sized
// by CreateBuffers whenever the instance set changes; the node contents are
// produced by the command list's BuildTopLevelAS.
type Tlas struct {
	descriptor      *TlasDescriptor
	nodes           []bvh.Node
	tlasBuffer      Buffer
	instancesBuffer Buffer
}

func NewTlas() *Tlas {
	return &Tlas{}
}

func (t *Tlas) Descriptor() *TlasDescriptor { return t.descriptor }
func (t *Tlas) TlasBuffer() Buffer          { return t.tlasBuffer }
func (t *Tlas) InstancesBuffer() Buffer     { return t.instancesBuffer }

// CreateBuffers adopts the descriptor and (re)allocates the TLAS node buffer
// and the instance buffer for its instance count. With zero instances both
// buffers are released: an empty scene has no top-level structure.
func (t *Tlas) CreateBuffers(device Device, desc *TlasDescriptor, pool *BufferPool) error {
	t.descriptor = desc
	t.nodes = nil

	n := len(desc.instances)
	if n == 0 {
		if t.tlasBuffer != nil {
			t.tlasBuffer.Release()
			t.tlasBuffer = nil
		}
		if t.instancesBuffer != nil {
			t.instancesBuffer.Release()
			t.instancesBuffer = nil
		}
		return nil
	}

	// A binary BVH over n leaves has at most 2n-1 nodes.
	nodeBytes := uint64(2*n-1) * bvh.NodeSize
	buf, _, err := pool.Ensure("RayTracingTlas", t.tlasBuffer, nodeBytes)
	if err != nil {
		return fmt.Errorf("rhi: tlas node buffer: %w", err)
	}
	t.tlasBuffer = buf

	instBuf, _, err := pool.Ensure("RayTracingTlasInstances", t.instancesBuffer, uint64(n)*TlasInstanceSize)
	if err != nil {
		return fmt.Errorf("rhi: tlas instance buffer: %w", err)
	}
	t.instancesBuffer = instBuf
	return nil
}

func encodeInstance(buf []byte, inst *TlasInstance, bounds [2]mgl32.Vec3) {
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			binary.LittleEndian.PutUint32(buf[(c*4+r)*4:], math.Float32bits(inst.Transform.At(r, c)))
		}
	}

	flags := uint32(0)
	if inst.Transparent {
		flags |= tlasInstanceFlagTransparent
	}
	binary.LittleEndian.PutUint32(buf[64:], inst.InstanceID)
	binary.LittleEndian.PutUint32(buf[68:], inst.InstanceMask)
	binary.LittleEndian.PutUint32(buf[72:], inst.HitGroupIndex)
	binary.LittleEndian.PutUint32(buf[76:], flags)

	for k := 0; k < 3; k++ {
		binary.LittleEndian.PutUint32(buf[80+k*4:], math.Float32bits(bounds[0][k]))
		binary.LittleEndian.PutUint32(buf[96+k*4:], math.Float32bits(bounds[1][k]))
	}
	binary.LittleEndian.PutUint32(buf[92:], 0)
	binary.LittleEndian.PutUint32(buf[108:], 0)
}
