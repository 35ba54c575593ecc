package rhi

// BufferPool hands out grow-only buffers. A buffer is reallocated only when
// the requested size exceeds the current allocation; otherwise the existing
// buffer is reused in place. Sizes are rounded up to 4 bytes plus a headroom
// slack so per-frame jitter in node counts does not thrash allocations.
type BufferPool struct {
	device   Device
	headroom uint64
}

const DefaultHeadroom = 16 * 1024

func NewBufferPool(device Device, headroom uint64) *BufferPool {
	return &BufferPool{device: device, headroom: headroom}
}

func (p *BufferPool) Device() Device {
	return p.device
}

// Ensure returns a buffer of at least size bytes, reusing current when it is
// large enough. The second result reports whether a new buffer was allocated
// (callers use it to re-register attachments and bind groups).
func (p *BufferPool) Ensure(label string, current Buffer, size uint64) (Buffer, bool, error) {
	needed := size + p.headroom
	if rem := needed % 4; rem != 0 {
		needed += 4 - rem
	}

	if current != nil && current.Size() >= needed {
		return current, false, nil
	}

	buf, err := p.device.CreateBuffer(label, needed)
	if err != nil {
		return nil, false, err
	}
	if current != nil {
		current.Release()
	}
	return buf, true, nil
}
