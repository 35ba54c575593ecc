// lumen-viewer opens a window, builds a small scene (one static mesh, one
// skinned mesh) and runs the skinning + acceleration-structure passes every
// frame, presenting a cleared swapchain image. It is the integration harness
// for the ray-tracing build scheduler.
package main

import (
	"flag"
	"fmt"
	"math"
	"runtime"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"

	lumen "github.com/lumen3d/lumen"
	"github.com/lumen3d/lumen/rt/feature"
	"github.com/lumen3d/lumen/rt/framegraph"
	"github.com/lumen3d/lumen/rt/passes"
	"github.com/lumen3d/lumen/rt/rhi"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the render config")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := lumen.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}
	log := lumen.NewDefaultLogger(cfg.Logging.Prefix, cfg.Logging.Debug || *debug)

	if err := glfw.Init(); err != nil {
		panic(err)
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	window, err := glfw.CreateWindow(cfg.Window.Width, cfg.Window.Height, cfg.Window.Title, nil, nil)
	if err != nil {
		panic(err)
	}
	defer window.Destroy()

	instance := wgpu.CreateInstance(nil)
	surface := instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(window))

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		panic(err)
	}

	limits := wgpu.DefaultLimits()
	wgpuDevice, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:          "Lumen Device",
		RequiredLimits: &wgpu.RequiredLimits{Limits: limits},
	})
	if err != nil {
		panic(err)
	}
	queue := wgpuDevice.GetQueue()

	width, height := window.GetFramebufferSize()
	caps := surface.GetCapabilities(adapter)
	presentMode := wgpu.PresentModeImmediate
	if cfg.Window.VSync {
		presentMode = wgpu.PresentModeFifo
	}
	surfaceConfig := &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      caps.Formats[0],
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: presentMode,
		AlphaMode:   caps.AlphaModes[0],
	}
	surface.Configure(adapter, wgpuDevice, surfaceConfig)

	device := rhi.NewWgpuDevice(wgpuDevice, limits)
	if !device.Features().RayTracing {
		log.Warnf("device does not support ray tracing, acceleration structures disabled")
	}
	pool := rhi.NewBufferPool(device, rhi.DefaultHeadroom)

	ft := feature.New(device, pool, log)
	ft.SetBindingRefresh(func() {
		log.Debugf("ray tracing bindings refreshed")
	})

	skinning := passes.NewSkinningPass(pool)
	skinJob := buildScene(ft, skinning, log)

	accel := passes.NewAccelerationStructurePass(
		device, ft, skinning.OutputBinding(),
		passes.WithRebuildInterval(cfg.RayTracing.SkinnedBlasRebuildInterval),
		passes.WithLogger(log),
	)
	if !cfg.RayTracing.Enabled {
		log.Infof("ray tracing disabled by config")
		accel.SetEnabled(false)
	}

	pipeline := framegraph.NewPipeline(device, log)
	pipeline.AddPass(skinning)
	pipeline.AddPass(accel)

	cl := rhi.NewGpuCommandList(pool)

	log.Infof("scene ready: %d submeshes, %d skinned meshes, revision %d",
		ft.SubMeshCount(), ft.SkinnedMeshCount(), ft.Revision())

	for !window.ShouldClose() {
		glfw.PollEvents()

		animate(skinJob, glfw.GetTime())
		pipeline.Execute(cl)
		present(wgpuDevice, queue, surface)
	}
}

// buildScene registers a static cube and a skinned two-bone strip, returning
// the strip's skin job for per-frame animation.
func buildScene(ft *feature.RayTracingFeature, skinning *passes.SkinningPass, log lumen.Logger) *passes.SkinJob {
	cubePositions, cubeIndices := cubeMesh(1.0)
	cubeBlas := rhi.NewBlas("CubeBlas",
		(&rhi.BlasDescriptor{}).Build().
			Geometry().VertexBuffer(cubePositions).IndexBuffer(cubeIndices))
	cube := &feature.Mesh{
		Transform:    mgl32.Translate3D(-2, 0, 0),
		InstanceMask: 0xFF,
	}
	if err := ft.AddMesh(feature.NewAssetId(), cube, []*feature.SubMesh{{
		Blas:      cubeBlas,
		BaseColor: mgl32.Vec4{0.8, 0.8, 0.8, 1.0},
	}}); err != nil {
		panic(err)
	}

	rest, indices := stripMesh(8, 0.25)
	positions := make([]mgl32.Vec3, len(rest))
	copy(positions, rest)
	stripBlas := rhi.NewBlas("StripBlas",
		(&rhi.BlasDescriptor{}).Build().
			Geometry().VertexBuffer(positions).IndexBuffer(indices))

	joints := make([]int, len(rest))
	for i, v := range rest {
		if v.X() > 1.0 {
			joints[i] = 1
		}
	}
	job := &passes.SkinJob{
		Rest:    rest,
		Joints:  joints,
		Palette: []mgl32.Mat4{mgl32.Ident4(), mgl32.Ident4()},
		Out:     positions,
	}
	skinning.AddJob(job)

	strip := &feature.Mesh{
		Transform:    mgl32.Translate3D(1, 0, 0),
		InstanceMask: 0xFF,
		Skinned:      true,
	}
	if err := ft.AddMesh(feature.NewAssetId(), strip, []*feature.SubMesh{{
		Blas:      stripBlas,
		BaseColor: mgl32.Vec4{0.9, 0.4, 0.2, 0.5},
	}}); err != nil {
		panic(err)
	}

	log.Debugf("scene built")
	return job
}

// animate waves the strip's second bone.
func animate(job *passes.SkinJob, t float64) {
	angle := float32(math.Sin(t)) * 0.6
	job.Palette[1] = mgl32.Translate3D(1, 0, 0).
		Mul4(mgl32.HomogRotate3DZ(angle)).
		Mul4(mgl32.Translate3D(-1, 0, 0))
}

func present(device *wgpu.Device, queue *wgpu.Queue, surface *wgpu.Surface) {
	nextTexture, err := surface.GetCurrentTexture()
	if err != nil {
		fmt.Printf("ERROR: GetCurrentTexture failed: %v\n", err)
		return
	}
	defer nextTexture.Release()

	view, err := nextTexture.CreateView(nil)
	if err != nil {
		fmt.Printf("ERROR: CreateView failed: %v\n", err)
		return
	}
	defer view.Release()

	encoder, err := device.CreateCommandEncoder(nil)
	if err != nil {
		fmt.Printf("ERROR: CreateCommandEncoder failed: %v\n", err)
		return
	}

	rPass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: 0.02, G: 0.02, B: 0.04, A: 1},
		}},
	})
	if err := rPass.End(); err != nil {
		fmt.Printf("ERROR: Render pass End failed: %v\n", err)
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		fmt.Printf("ERROR: Encoder Finish failed: %v\n", err)
		return
	}
	queue.Submit(cmd)
	surface.Present()
}

func cubeMesh(half float32) ([]mgl32.Vec3, []uint32) {
	positions := []mgl32.Vec3{
		{-half, -half, -half}, {half, -half, -half},
		{half, half, -half}, {-half, half, -half},
		{-half, -half, half}, {half, -half, half},
		{half, half, half}, {-half, half, half},
	}
	indices := []uint32{
		0, 1, 2, 0, 2, 3,
		4, 6, 5, 4, 7, 6,
		0, 4, 5, 0, 5, 1,
		3, 2, 6, 3, 6, 7,
		0, 3, 7, 0, 7, 4,
		1, 5, 6, 1, 6, 2,
	}
	return positions, indices
}

// stripMesh builds a flat quad strip of the given segment count along +X.
func stripMesh(segments int, halfWidth float32) ([]mgl32.Vec3, []uint32) {
	positions := make([]mgl32.Vec3, 0, (segments+1)*2)
	for i := 0; i <= segments; i++ {
		x := float32(i) * 0.25
		positions = append(positions,
			mgl32.Vec3{x, -halfWidth, 0},
			mgl32.Vec3{x, halfWidth, 0})
	}
	indices := make([]uint32, 0, segments*6)
	for i := 0; i < segments; i++ {
		a := uint32(i * 2)
		indices = append(indices,
			a, a+1, a+2,
			a+1, a+3, a+2)
	}
	return positions, indices
}
