package rhi

import (
	"github.com/cogentcore/webgpu/wgpu"
)

// Acceleration-structure traversal runs as compute over storage buffers, so
// ray tracing is reported supported when the device limits can hold the BVH
// kernels' workgroup and at least one TLAS-sized storage binding.
const (
	minWorkgroupSize    = 64
	minStorageBindBytes = 16 * 1024 * 1024
)

// WgpuDevice adapts a wgpu device/queue pair to the rhi Device contract.
type WgpuDevice struct {
	device   *wgpu.Device
	queue    *wgpu.Queue
	features Features
}

// NewWgpuDevice wraps an already-requested device. limits are the limits the
// device was requested with (typically wgpu.DefaultLimits(), possibly raised).
func NewWgpuDevice(device *wgpu.Device, limits wgpu.Limits) *WgpuDevice {
	return &WgpuDevice{
		device: device,
		queue:  device.GetQueue(),
		features: Features{
			RayTracing: limits.MaxComputeWorkgroupSizeX >= minWorkgroupSize &&
				limits.MaxStorageBufferBindingSize >= minStorageBindBytes,
		},
	}
}

func (d *WgpuDevice) Features() Features {
	return d.features
}

func (d *WgpuDevice) Handle() *wgpu.Device {
	return d.device
}

func (d *WgpuDevice) CreateBuffer(label string, size uint64) (Buffer, error) {
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label:            label,
		Size:             size,
		Usage:            wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
		MappedAtCreation: false,
	})
	if err != nil {
		return nil, err
	}
	return &wgpuBuffer{label: label, buf: buf, queue: d.queue}, nil
}

type wgpuBuffer struct {
	label string
	buf   *wgpu.Buffer
	queue *wgpu.Queue
}

func (b *wgpuBuffer) Label() string { return b.label }
func (b *wgpuBuffer) Size() uint64  { return b.buf.GetSize() }

func (b *wgpuBuffer) Write(offset uint64, data []byte) {
	b.queue.WriteBuffer(b.buf, offset, data)
}

func (b *wgpuBuffer) Release() {
	b.buf.Release()
}

// Handle exposes the raw buffer for bind-group construction.
func (b *wgpuBuffer) Handle() *wgpu.Buffer { return b.buf }
