package passes

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/lumen3d/lumen/rt/feature"
	"github.com/lumen3d/lumen/rt/framegraph"
	"github.com/lumen3d/lumen/rt/rhi"
)

type op struct {
	kind  string
	label string
}

// recordingCommandList traces the command stream while delegating to the
// real recorder so BLAS/TLAS state stays consistent across frames.
type recordingCommandList struct {
	inner *rhi.GpuCommandList
	ops   []op
}

func (cl *recordingCommandList) BuildBottomLevelAS(b *rhi.Blas) {
	cl.ops = append(cl.ops, op{"build-blas", b.Label()})
	cl.inner.BuildBottomLevelAS(b)
}

func (cl *recordingCommandList) UpdateBottomLevelAS(b *rhi.Blas) {
	cl.ops = append(cl.ops, op{"update-blas", b.Label()})
	cl.inner.UpdateBottomLevelAS(b)
}

func (cl *recordingCommandList) BuildTopLevelAS(t *rhi.Tlas) {
	cl.ops = append(cl.ops, op{"build-tlas", "tlas"})
	cl.inner.BuildTopLevelAS(t)
}

func (cl *recordingCommandList) UploadBuffer(buf rhi.Buffer, offset uint64, data []byte) {
	cl.ops = append(cl.ops, op{"upload", buf.Label()})
	cl.inner.UploadBuffer(buf, offset, data)
}

func (cl *recordingCommandList) reset() {
	cl.ops = nil
}

func (cl *recordingCommandList) count(kind, label string) int {
	n := 0
	for _, o := range cl.ops {
		if o.kind == kind && (label == "" || o.label == label) {
			n++
		}
	}
	return n
}

type harness struct {
	device   *rhi.MemoryDevice
	pool     *rhi.BufferPool
	ft       *feature.RayTracingFeature
	skinning *SkinningPass
	pass     *AccelerationStructurePass
	pipeline *framegraph.Pipeline
	cl       *recordingCommandList
}

func newHarness(t *testing.T, features rhi.Features) *harness {
	t.Helper()
	device := rhi.NewMemoryDevice(features)
	pool := rhi.NewBufferPool(device, 0)
	ft := feature.New(device, pool, nil)
	skinning := NewSkinningPass(pool)
	pass := NewAccelerationStructurePass(device, ft, skinning.OutputBinding())

	pipeline := framegraph.NewPipeline(device, nil)
	pipeline.AddPass(skinning)
	pipeline.AddPass(pass)

	return &harness{
		device:   device,
		pool:     pool,
		ft:       ft,
		skinning: skinning,
		pass:     pass,
		pipeline: pipeline,
		cl:       &recordingCommandList{inner: rhi.NewGpuCommandList(pool)},
	}
}

// frame runs one declare+record cycle, returning the ops it emitted.
func (h *harness) frame() []op {
	h.cl.reset()
	h.pipeline.Execute(h.cl)
	return h.cl.ops
}

func blasLabeled(label string, offset mgl32.Vec3) (*rhi.Blas, []mgl32.Vec3) {
	positions := []mgl32.Vec3{
		offset.Add(mgl32.Vec3{0, 0, 0}),
		offset.Add(mgl32.Vec3{1, 0, 0}),
		offset.Add(mgl32.Vec3{0, 1, 0}),
	}
	desc := (&rhi.BlasDescriptor{}).Build().
		Geometry().VertexBuffer(positions).IndexBuffer([]uint32{0, 1, 2})
	return rhi.NewBlas(label, desc), positions
}

func (h *harness) addStaticMesh(t *testing.T, labels ...string) feature.AssetId {
	t.Helper()
	subMeshes := make([]*feature.SubMesh, len(labels))
	for i, label := range labels {
		blas, _ := blasLabeled(label, mgl32.Vec3{float32(i) * 5, 0, 0})
		subMeshes[i] = &feature.SubMesh{Blas: blas, BaseColor: mgl32.Vec4{1, 1, 1, 1}}
	}
	id := feature.NewAssetId()
	mesh := &feature.Mesh{Transform: mgl32.Ident4(), InstanceMask: 0xFF}
	if err := h.ft.AddMesh(id, mesh, subMeshes); err != nil {
		t.Fatal(err)
	}
	return id
}

func (h *harness) addSkinnedMesh(t *testing.T, labels ...string) feature.AssetId {
	t.Helper()
	subMeshes := make([]*feature.SubMesh, len(labels))
	for i, label := range labels {
		blas, positions := blasLabeled(label, mgl32.Vec3{float32(i) * 5, 0, 0})
		rest := make([]mgl32.Vec3, len(positions))
		copy(rest, positions)
		h.skinning.AddJob(&SkinJob{
			Rest:    rest,
			Joints:  make([]int, len(rest)),
			Palette: []mgl32.Mat4{mgl32.Ident4()},
			Out:     positions,
		})
		subMeshes[i] = &feature.SubMesh{Blas: blas, BaseColor: mgl32.Vec4{1, 1, 1, 0.5}}
	}
	id := feature.NewAssetId()
	mesh := &feature.Mesh{Transform: mgl32.Ident4(), InstanceMask: 0xFF, Skinned: true}
	if err := h.ft.AddMesh(id, mesh, subMeshes); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestEmptySceneDoesNothing(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})

	ops := h.frame()
	if len(ops) != 0 {
		t.Fatalf("Empty scene should emit no commands, got %v", ops)
	}
	if h.pass.frameCount != 0 {
		t.Errorf("Frame counter must not advance on no-op frames, got %d", h.pass.frameCount)
	}
	if h.ft.Tlas().TlasBuffer() != nil {
		t.Error("Empty scene should have no TLAS buffer")
	}
}

func TestStaticSceneBuildsOnce(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})
	h.addStaticMesh(t, "a", "b", "c")

	ops := h.frame()
	if got := h.cl.count("build-blas", ""); got != 3 {
		t.Errorf("Expected 3 BLAS builds, got %d (%v)", got, ops)
	}
	if got := h.cl.count("build-tlas", ""); got != 1 {
		t.Errorf("Expected exactly 1 TLAS build, got %d", got)
	}
	if got := h.cl.count("update-blas", ""); got != 0 {
		t.Errorf("First frame must not refit, got %d updates", got)
	}
	if h.pass.frameCount != 1 {
		t.Errorf("Frame counter should be 1 after one emitting frame, got %d", h.pass.frameCount)
	}

	// Revision unchanged, nothing skinned: total silence
	ops = h.frame()
	if len(ops) != 0 {
		t.Fatalf("Up-to-date static scene should emit nothing, got %v", ops)
	}
	if h.pass.frameCount != 1 {
		t.Errorf("Frame counter must not advance on no-op frames, got %d", h.pass.frameCount)
	}
}

func TestDeclarePhaseCachesRevision(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})
	h.addStaticMesh(t, "a")

	h.frame()
	desc := h.ft.Tlas().Descriptor()
	if desc == nil {
		t.Fatal("First frame should have built a TLAS descriptor")
	}

	h.frame()
	if h.ft.Tlas().Descriptor() != desc {
		t.Error("No-change frame must not rebuild the TLAS descriptor")
	}

	// A membership change invalidates the cache
	h.addStaticMesh(t, "b")
	h.frame()
	if h.ft.Tlas().Descriptor() == desc {
		t.Error("Revision change must rebuild the TLAS descriptor")
	}
}

func TestInstanceIdsAreDenseAndOrdered(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})
	h.addStaticMesh(t, "a", "b", "c")
	h.frame()

	instances := h.ft.Tlas().Descriptor().Instances()
	if len(instances) != 3 {
		t.Fatalf("Expected 3 instances, got %d", len(instances))
	}
	for i, inst := range instances {
		if inst.InstanceID != uint32(i) {
			t.Errorf("Instance %d has id %d; ids must be dense and insertion-ordered", i, inst.InstanceID)
		}
		if inst.HitGroupIndex != 0 {
			t.Errorf("Hit group index is fixed at 0, got %d", inst.HitGroupIndex)
		}
		if inst.Blas != h.ft.SubMeshes()[i].Blas {
			t.Errorf("Instance %d should reference submesh %d's BLAS", i, i)
		}
	}
}

func TestTransparencyFromAlpha(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})

	opaque, _ := blasLabeled("opaque", mgl32.Vec3{})
	seeThrough, _ := blasLabeled("glass", mgl32.Vec3{5, 0, 0})
	err := h.ft.AddMesh(feature.NewAssetId(), &feature.Mesh{Transform: mgl32.Ident4()},
		[]*feature.SubMesh{
			{Blas: opaque, BaseColor: mgl32.Vec4{1, 1, 1, 1}},
			{Blas: seeThrough, BaseColor: mgl32.Vec4{1, 1, 1, 0.25}},
		})
	if err != nil {
		t.Fatal(err)
	}
	h.frame()

	instances := h.ft.Tlas().Descriptor().Instances()
	if instances[0].Transparent {
		t.Error("Alpha 1.0 must not be transparent")
	}
	if !instances[1].Transparent {
		t.Error("Alpha below 1.0 must be transparent")
	}
}

func TestFirstSkinnedBuildIsFull(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})
	h.addSkinnedMesh(t, "s0", "s1")

	h.frame()
	if got := h.cl.count("build-blas", ""); got != 2 {
		t.Errorf("Expected 2 full builds on the first frame, got %d", got)
	}
	if got := h.cl.count("update-blas", ""); got != 0 {
		t.Errorf("First build can never be an update, got %d", got)
	}
}

func TestSkinningRecordsBeforeAccelerationBuild(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})
	h.addSkinnedMesh(t, "s0")

	ops := h.frame()
	if len(ops) == 0 || ops[0].kind != "upload" {
		t.Fatalf("Skinning upload must record before acceleration work, got %v", ops)
	}
}

func TestPassAddOrderDoesNotMatter(t *testing.T) {
	device := rhi.NewMemoryDevice(rhi.Features{RayTracing: true})
	pool := rhi.NewBufferPool(device, 0)
	ft := feature.New(device, pool, nil)
	skinning := NewSkinningPass(pool)
	pass := NewAccelerationStructurePass(device, ft, skinning.OutputBinding())

	// The consumer is registered before its producer: its declaration phase
	// reads the skinned stream before the skinning pass has imported it.
	pipeline := framegraph.NewPipeline(device, nil)
	pipeline.AddPass(pass)
	pipeline.AddPass(skinning)

	h := &harness{
		device:   device,
		pool:     pool,
		ft:       ft,
		skinning: skinning,
		pass:     pass,
		pipeline: pipeline,
		cl:       &recordingCommandList{inner: rhi.NewGpuCommandList(pool)},
	}
	h.addSkinnedMesh(t, "s0")

	ops := h.frame()
	if len(ops) == 0 || ops[0].kind != "upload" {
		t.Fatalf("Skinning upload must still record before acceleration work, got %v", ops)
	}
	if h.cl.count("build-blas", "s0") != 1 || h.cl.count("build-tlas", "") != 1 {
		t.Errorf("Expected the full first-frame build regardless of add order, got %v", ops)
	}
}

func TestRebuildCycleLaw(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})
	h.addSkinnedMesh(t, "s0", "s1")

	// First frame: both submeshes get their initial full build.
	h.frame()

	builds := map[string]int{}
	updates := map[string]int{}
	for i := 0; i < SkinnedBlasRebuildInterval; i++ {
		h.frame()
		for _, label := range []string{"s0", "s1"} {
			builds[label] += h.cl.count("build-blas", label)
			updates[label] += h.cl.count("update-blas", label)
		}
		if got := h.cl.count("build-tlas", ""); got != 1 {
			t.Fatalf("Every skinned frame ends with exactly one TLAS build, got %d", got)
		}
	}

	for _, label := range []string{"s0", "s1"} {
		if builds[label] != 1 {
			t.Errorf("Submesh %s: expected exactly 1 rebuild over %d frames, got %d",
				label, SkinnedBlasRebuildInterval, builds[label])
		}
		if updates[label] != SkinnedBlasRebuildInterval-1 {
			t.Errorf("Submesh %s: expected %d refits over %d frames, got %d",
				label, SkinnedBlasRebuildInterval-1, SkinnedBlasRebuildInterval, updates[label])
		}
	}
}

func TestStaggeredRebuildSplitsSubmeshes(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})
	h.addSkinnedMesh(t, "s0", "s1")
	h.frame()

	// Walk frames until submesh 0 hits its rebuild slot; submesh 1's key
	// differs by one, so it must refit on that same frame.
	for i := 0; i < SkinnedBlasRebuildInterval+1; i++ {
		h.frame()
		if h.cl.count("build-blas", "s0") == 1 {
			if h.cl.count("update-blas", "s1") != 1 {
				t.Errorf("Submesh 1 should refit on submesh 0's rebuild frame, ops %v", h.cl.ops)
			}
			if h.cl.count("build-tlas", "") != 1 {
				t.Errorf("Expected exactly one TLAS build, ops %v", h.cl.ops)
			}
			return
		}
	}
	t.Fatalf("Submesh 0 never hit its rebuild slot within %d frames", SkinnedBlasRebuildInterval+1)
}

func TestCustomRebuildInterval(t *testing.T) {
	device := rhi.NewMemoryDevice(rhi.Features{RayTracing: true})
	pool := rhi.NewBufferPool(device, 0)
	ft := feature.New(device, pool, nil)
	skinning := NewSkinningPass(pool)
	pass := NewAccelerationStructurePass(device, ft, skinning.OutputBinding(),
		WithRebuildInterval(4))

	if pass.rebuildInterval != 4 {
		t.Errorf("Expected interval override 4, got %d", pass.rebuildInterval)
	}

	// Zero keeps the default
	pass = NewAccelerationStructurePass(device, ft, skinning.OutputBinding(),
		WithRebuildInterval(0))
	if pass.rebuildInterval != SkinnedBlasRebuildInterval {
		t.Errorf("Zero interval should keep the default, got %d", pass.rebuildInterval)
	}
}

func TestDisabledWithoutRayTracingSupport(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: false})
	h.addStaticMesh(t, "a")

	if h.pass.Enabled() {
		t.Fatal("Pass must be disabled on devices without ray tracing")
	}
	ops := h.frame()
	if len(ops) != 0 {
		t.Errorf("Disabled pass must emit nothing, got %v", ops)
	}
}

func TestMissingSkinningBindingPanics(t *testing.T) {
	device := rhi.NewMemoryDevice(rhi.Features{RayTracing: true})
	pool := rhi.NewBufferPool(device, 0)
	ft := feature.New(device, pool, nil)

	blas, _ := blasLabeled("s", mgl32.Vec3{})
	err := ft.AddMesh(feature.NewAssetId(),
		&feature.Mesh{Transform: mgl32.Ident4(), Skinned: true},
		[]*feature.SubMesh{{Blas: blas, BaseColor: mgl32.Vec4{1, 1, 1, 1}}})
	if err != nil {
		t.Fatal(err)
	}

	pipeline := framegraph.NewPipeline(device, nil)
	pipeline.AddPass(NewAccelerationStructurePass(device, ft, nil))

	defer func() {
		if recover() == nil {
			t.Error("Skinned meshes without a resolved skinning binding must panic")
		}
	}()
	pipeline.Execute(&recordingCommandList{inner: rhi.NewGpuCommandList(pool)})
}

func TestBindingRefreshSeesFreshTlas(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})
	h.addStaticMesh(t, "a")

	var sawBuffer bool
	var calls int
	h.ft.SetBindingRefresh(func() {
		calls++
		sawBuffer = h.ft.Tlas().TlasBuffer() != nil
	})

	h.frame()
	if calls != 1 {
		t.Fatalf("Refresh hook should run once per frame, got %d", calls)
	}
	if !sawBuffer {
		t.Error("Refresh hook must observe the reallocated TLAS buffer")
	}

	// The hook runs every frame the feature exists, even without changes.
	h.frame()
	if calls != 2 {
		t.Errorf("Refresh hook should run on no-change frames too, got %d calls", calls)
	}
}

func TestRemovalToEmptySceneQuiesces(t *testing.T) {
	h := newHarness(t, rhi.Features{RayTracing: true})
	id := h.addStaticMesh(t, "a")
	h.frame()

	h.ft.RemoveMesh(id)
	ops := h.frame()
	if len(ops) != 0 {
		t.Errorf("Scene emptied by removal should emit nothing, got %v", ops)
	}
	if h.ft.Tlas().TlasBuffer() != nil {
		t.Error("TLAS buffer should be released when the instance set empties")
	}
}
