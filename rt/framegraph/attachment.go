package framegraph

import (
	"fmt"

	"github.com/lumen3d/lumen/rt/rhi"
)

// AttachmentId names a GPU resource tracked by the frame graph.
type AttachmentId string

// Access is the scope's usage direction for an attachment.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// LoadAction tells the scheduler whether prior attachment contents matter.
type LoadAction int

const (
	// LoadPreserve keeps the previous contents visible to this scope.
	LoadPreserve LoadAction = iota
	// LoadDontCare allows the scheduler to discard prior contents.
	// Acceleration structures always use this: their accelerator-internal
	// bit layout makes preserved contents meaningless.
	LoadDontCare
)

// ViewKind is how the scope binds the buffer.
type ViewKind int

const (
	ViewStorage ViewKind = iota
	ViewRayTracingTlas
)

// BufferAttachmentDesc declares one buffer usage of a scope.
type BufferAttachmentDesc struct {
	Id   AttachmentId
	View ViewKind
	Load LoadAction
}

// AttachmentDatabase tracks buffers imported into the current frame graph
// execution. It is reset every frame; imports are idempotent for the same
// buffer and reject rebinding an id to a different buffer mid-frame.
type AttachmentDatabase struct {
	buffers map[AttachmentId]rhi.Buffer
}

func NewAttachmentDatabase() *AttachmentDatabase {
	return &AttachmentDatabase{buffers: make(map[AttachmentId]rhi.Buffer)}
}

func (db *AttachmentDatabase) Reset() {
	clear(db.buffers)
}

func (db *AttachmentDatabase) IsValid(id AttachmentId) bool {
	_, ok := db.buffers[id]
	return ok
}

func (db *AttachmentDatabase) ImportBuffer(id AttachmentId, buf rhi.Buffer) error {
	if buf == nil {
		return fmt.Errorf("framegraph: import of %q with nil buffer", id)
	}
	if existing, ok := db.buffers[id]; ok {
		if existing != buf {
			return fmt.Errorf("framegraph: attachment %q already imported with a different buffer", id)
		}
		return nil
	}
	db.buffers[id] = buf
	return nil
}

func (db *AttachmentDatabase) Buffer(id AttachmentId) (rhi.Buffer, bool) {
	buf, ok := db.buffers[id]
	return buf, ok
}
