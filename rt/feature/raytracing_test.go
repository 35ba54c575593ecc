package feature

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/lumen3d/lumen/rt/rhi"
)

func newTestFeature() *RayTracingFeature {
	device := rhi.NewMemoryDevice(rhi.Features{RayTracing: true})
	pool := rhi.NewBufferPool(device, 0)
	return New(device, pool, nil)
}

func subMesh(label string) *SubMesh {
	desc := (&rhi.BlasDescriptor{}).Build().
		Geometry().
		VertexBuffer([]mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}).
		IndexBuffer([]uint32{0, 1, 2})
	return &SubMesh{
		Blas:      rhi.NewBlas(label, desc),
		BaseColor: mgl32.Vec4{1, 1, 1, 1},
	}
}

func TestRevisionBumpsOnMembershipOnly(t *testing.T) {
	ft := newTestFeature()
	if ft.Revision() != 0 {
		t.Fatalf("Fresh feature should have revision 0, got %d", ft.Revision())
	}

	mesh := &Mesh{Transform: mgl32.Ident4(), InstanceMask: 0xFF}
	id := NewAssetId()
	if err := ft.AddMesh(id, mesh, []*SubMesh{subMesh("a")}); err != nil {
		t.Fatal(err)
	}
	if ft.Revision() != 1 {
		t.Errorf("AddMesh should bump revision to 1, got %d", ft.Revision())
	}

	// Transform changes do not touch the revision
	mesh.Transform = mgl32.Translate3D(5, 0, 0)
	if ft.Revision() != 1 {
		t.Errorf("Transform change must not bump revision, got %d", ft.Revision())
	}

	ft.RemoveMesh(id)
	if ft.Revision() != 2 {
		t.Errorf("RemoveMesh should bump revision to 2, got %d", ft.Revision())
	}

	// Removing an unknown id is a no-op
	ft.RemoveMesh(AssetId("unknown"))
	if ft.Revision() != 2 {
		t.Errorf("No-op removal must not bump revision, got %d", ft.Revision())
	}
}

func TestDuplicateMeshRejected(t *testing.T) {
	ft := newTestFeature()
	id := NewAssetId()
	mesh := &Mesh{Transform: mgl32.Ident4()}
	if err := ft.AddMesh(id, mesh, []*SubMesh{subMesh("a")}); err != nil {
		t.Fatal(err)
	}
	if err := ft.AddMesh(id, mesh, []*SubMesh{subMesh("b")}); err == nil {
		t.Error("Registering the same id twice should fail")
	}
	if err := ft.AddMesh(NewAssetId(), mesh, nil); err == nil {
		t.Error("Registering a mesh with no submeshes should fail")
	}
}

func TestSubMeshListStaysDenseAndOrdered(t *testing.T) {
	ft := newTestFeature()

	idA, idB, idC := NewAssetId(), NewAssetId(), NewAssetId()
	for _, reg := range []struct {
		id    AssetId
		label string
	}{{idA, "a"}, {idB, "b"}, {idC, "c"}} {
		err := ft.AddMesh(reg.id, &Mesh{Transform: mgl32.Ident4()}, []*SubMesh{subMesh(reg.label)})
		if err != nil {
			t.Fatal(err)
		}
	}

	if ft.SubMeshCount() != 3 {
		t.Fatalf("Expected 3 submeshes, got %d", ft.SubMeshCount())
	}

	ft.RemoveMesh(idB)

	list := ft.SubMeshes()
	if len(list) != 2 {
		t.Fatalf("Expected 2 submeshes after removal, got %d", len(list))
	}
	if list[0].Asset() != idA || list[1].Asset() != idC {
		t.Error("Removal should repack the list preserving insertion order")
	}
}

func TestSkinnedMeshCount(t *testing.T) {
	ft := newTestFeature()

	idSkinned := NewAssetId()
	if err := ft.AddMesh(idSkinned, &Mesh{Transform: mgl32.Ident4(), Skinned: true},
		[]*SubMesh{subMesh("s")}); err != nil {
		t.Fatal(err)
	}
	if err := ft.AddMesh(NewAssetId(), &Mesh{Transform: mgl32.Ident4()},
		[]*SubMesh{subMesh("r")}); err != nil {
		t.Fatal(err)
	}

	if ft.SkinnedMeshCount() != 1 {
		t.Errorf("Expected 1 skinned mesh, got %d", ft.SkinnedMeshCount())
	}

	ft.RemoveMesh(idSkinned)
	if ft.SkinnedMeshCount() != 0 {
		t.Errorf("Expected 0 skinned meshes after removal, got %d", ft.SkinnedMeshCount())
	}
}

func TestBlasInstanceTracksSubMeshOrder(t *testing.T) {
	ft := newTestFeature()

	a, b := subMesh("a"), subMesh("b")
	id := NewAssetId()
	if err := ft.AddMesh(id, &Mesh{Transform: mgl32.Ident4()}, []*SubMesh{a, b}); err != nil {
		t.Fatal(err)
	}

	inst := ft.BlasInstances()[id]
	if inst == nil {
		t.Fatal("BlasInstance should exist for the registered mesh")
	}
	if inst.Built {
		t.Error("Fresh instance must start unbuilt")
	}
	if len(inst.SubMeshes) != 2 || inst.SubMeshes[0] != a.Blas || inst.SubMeshes[1] != b.Blas {
		t.Error("Instance BLAS entries should mirror submesh order")
	}
}

func TestAssetIdHashStable(t *testing.T) {
	id := NewAssetId()
	if id.Hash() != id.Hash() {
		t.Error("Hash must be deterministic")
	}
	if NewAssetId().Hash() == id.Hash() {
		t.Log("two random ids hashed equal; astronomically unlikely")
	}
}

func TestBindingRefreshHook(t *testing.T) {
	ft := newTestFeature()

	// Without a hook the call is a no-op
	ft.RefreshBindings()

	called := 0
	ft.SetBindingRefresh(func() { called++ })
	ft.RefreshBindings()
	if called != 1 {
		t.Errorf("Hook should have been invoked once, got %d", called)
	}
}
