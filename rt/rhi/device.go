package rhi

// Features describes the one-time capability set of the active device.
// RayTracing is queried once at pass construction; there is no retry.
type Features struct {
	RayTracing bool
}

// Device abstracts buffer allocation for acceleration-structure storage.
// Implementations: WgpuDevice (real GPU) and MemoryDevice (headless tools).
type Device interface {
	Features() Features
	CreateBuffer(label string, size uint64) (Buffer, error)
}

// Buffer is a GPU-resident (or headless-backed) storage buffer.
type Buffer interface {
	Label() string
	Size() uint64
	Write(offset uint64, data []byte)
	Release()
}

// MemoryDevice is a heap-backed Device for headless tools and tests.
type MemoryDevice struct {
	features Features
}

func NewMemoryDevice(features Features) *MemoryDevice {
	return &MemoryDevice{features: features}
}

func (d *MemoryDevice) Features() Features {
	return d.features
}

func (d *MemoryDevice) CreateBuffer(label string, size uint64) (Buffer, error) {
	return &memoryBuffer{label: label, data: make([]byte, size)}, nil
}

type memoryBuffer struct {
	label    string
	data     []byte
	released bool
}

func (b *memoryBuffer) Label() string { return b.label }
func (b *memoryBuffer) Size() uint64  { return uint64(len(b.data)) }

func (b *memoryBuffer) Write(offset uint64, data []byte) {
	copy(b.data[offset:], data)
}

func (b *memoryBuffer) Release() {
	b.released = true
	b.data = nil
}

// Bytes exposes the backing store for inspection in headless runs.
func (b *memoryBuffer) Bytes() []byte { return b.data }
