package bvh

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// Matches the WGSL BVHNode layout consumed by the traversal kernels:
// struct BVHNode {
//    aabb_min : vec4<f32>; (16)
//    aabb_max : vec4<f32>; (16)
//    left : i32; (4)
//    right : i32; (4)
//    leaf_first : i32; (4)
//    leaf_count : i32; (4)
//    padding : i32[2]; (8)
// }; -> 64 bytes
const NodeSize = 64

type Node struct {
	Min       mgl32.Vec3
	Max       mgl32.Vec3
	Left      int32
	Right     int32
	LeafFirst int32
	LeafCount int32
}

func (n *Node) IsLeaf() bool {
	return n.LeafCount > 0
}

func (n *Node) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(n.Min.X()))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(n.Min.Y()))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(n.Min.Z()))
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(n.Max.X()))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(n.Max.Y()))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(n.Max.Z()))
	binary.LittleEndian.PutUint32(buf[28:32], 0)

	binary.LittleEndian.PutUint32(buf[32:36], uint32(n.Left))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(n.Right))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(n.LeafFirst))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(n.LeafCount))
	// 48..64 padding, left zeroed
}

// Encode linearizes nodes into the GPU wire layout.
func Encode(nodes []Node) []byte {
	out := make([]byte, len(nodes)*NodeSize)
	for i := range nodes {
		nodes[i].encode(out[i*NodeSize:])
	}
	return out
}

type item struct {
	min      mgl32.Vec3
	max      mgl32.Vec3
	centroid mgl32.Vec3
	index    int
}

// Build constructs a median-split BVH over the given leaf bounds. Leaf node
// LeafFirst values are indices into the input slice, one leaf per input AABB.
// An empty input yields a single degenerate node so the GPU side always has
// a root to fetch.
func Build(aabbs [][2]mgl32.Vec3) []Node {
	if len(aabbs) == 0 {
		return []Node{{Left: -1, Right: -1, LeafFirst: -1, LeafCount: 0}}
	}

	items := make([]item, len(aabbs))
	for i, bounds := range aabbs {
		items[i] = item{
			min:      bounds[0],
			max:      bounds[1],
			centroid: bounds[0].Add(bounds[1]).Mul(0.5),
			index:    i,
		}
	}

	nodes := make([]Node, 0, 2*len(aabbs)-1)
	recursiveBuild(items, &nodes)
	return nodes
}

func recursiveBuild(items []item, nodes *[]Node) int32 {
	idx := int32(len(*nodes))
	*nodes = append(*nodes, Node{Left: -1, Right: -1, LeafFirst: -1, LeafCount: 0})

	inf := float32(math.Inf(1))
	minB := mgl32.Vec3{inf, inf, inf}
	maxB := mgl32.Vec3{-inf, -inf, -inf}
	for _, it := range items {
		minB = mgl32.Vec3{min(minB.X(), it.min.X()), min(minB.Y(), it.min.Y()), min(minB.Z(), it.min.Z())}
		maxB = mgl32.Vec3{max(maxB.X(), it.max.X()), max(maxB.Y(), it.max.Y()), max(maxB.Z(), it.max.Z())}
	}
	(*nodes)[idx].Min = minB
	(*nodes)[idx].Max = maxB

	if len(items) == 1 {
		(*nodes)[idx].LeafFirst = int32(items[0].index)
		(*nodes)[idx].LeafCount = 1
		return idx
	}

	// Split on the widest axis at the centroid median.
	extent := maxB.Sub(minB)
	axis := 0
	if extent.Y() > extent.X() {
		axis = 1
	}
	if extent.Z() > extent[axis] {
		axis = 2
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].centroid[axis] < items[j].centroid[axis]
	})

	mid := len(items) / 2
	(*nodes)[idx].Left = recursiveBuild(items[:mid], nodes)
	(*nodes)[idx].Right = recursiveBuild(items[mid:], nodes)

	return idx
}

// Refit updates node bounds in place from new leaf AABBs without changing the
// tree topology. Valid for deformations that keep the leaf set intact
// (skinning); a leaf referencing an index outside the input is a contract
// violation and returns an error. Children are always appended after their
// parent, so a single reverse sweep sees both children before their parent.
func Refit(nodes []Node, aabbs [][2]mgl32.Vec3) error {
	for i := len(nodes) - 1; i >= 0; i-- {
		n := &nodes[i]
		if n.IsLeaf() {
			if int(n.LeafFirst) >= len(aabbs) {
				return fmt.Errorf("bvh: refit leaf %d out of range (%d bounds)", n.LeafFirst, len(aabbs))
			}
			n.Min = aabbs[n.LeafFirst][0]
			n.Max = aabbs[n.LeafFirst][1]
			continue
		}
		if n.Left < 0 || n.Right < 0 {
			// Degenerate empty root.
			continue
		}
		l, r := &nodes[n.Left], &nodes[n.Right]
		n.Min = mgl32.Vec3{min(l.Min.X(), r.Min.X()), min(l.Min.Y(), r.Min.Y()), min(l.Min.Z(), r.Min.Z())}
		n.Max = mgl32.Vec3{max(l.Max.X(), r.Max.X()), max(l.Max.Y(), r.Max.Y()), max(l.Max.Z(), r.Max.Z())}
	}
	return nil
}

// TriangleBounds computes one AABB per triangle of an indexed mesh.
func TriangleBounds(positions []mgl32.Vec3, indices []uint32) ([][2]mgl32.Vec3, error) {
	if len(indices)%3 != 0 {
		return nil, fmt.Errorf("bvh: index count %d is not a multiple of 3", len(indices))
	}
	out := make([][2]mgl32.Vec3, 0, len(indices)/3)
	for t := 0; t < len(indices); t += 3 {
		for k := 0; k < 3; k++ {
			if int(indices[t+k]) >= len(positions) {
				return nil, fmt.Errorf("bvh: index %d out of range (%d vertices)", indices[t+k], len(positions))
			}
		}
		a, b, c := positions[indices[t]], positions[indices[t+1]], positions[indices[t+2]]
		lo := mgl32.Vec3{min(a.X(), min(b.X(), c.X())), min(a.Y(), min(b.Y(), c.Y())), min(a.Z(), min(b.Z(), c.Z()))}
		hi := mgl32.Vec3{max(a.X(), max(b.X(), c.X())), max(a.Y(), max(b.Y(), c.Y())), max(a.Z(), max(b.Z(), c.Z()))}
		out = append(out, [2]mgl32.Vec3{lo, hi})
	}
	return out, nil
}

func min(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
