package model

import (
	"fmt"
	"strconv"
	"strings"
)

type Vec3i struct {
	X int
	Y int
	Z int
}

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }

func (v Vec3i) Scale(n int) Vec3i { return Vec3i{X: v.X * n, Y: v.Y * n, Z: v.Z * n} }

func (v Vec3i) ToArray() [3]int { return [3]int{v.X, v.Y, v.Z} }

func Manhattan(a, b Vec3i) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y) + abs(a.Z-b.Z)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// NodeKey identifies a network node by dimension and block position.
// It is comparable and used directly as a map key; the string form exists only
// for persistence.
type NodeKey struct {
	Dim string
	X   int
	Y   int
	Z   int
}

func NodeKeyAt(dim string, p Vec3i) NodeKey { return NodeKey{Dim: dim, X: p.X, Y: p.Y, Z: p.Z} }

func (k NodeKey) Pos() Vec3i { return Vec3i{X: k.X, Y: k.Y, Z: k.Z} }

func (k NodeKey) IsZero() bool { return k == NodeKey{} }

func (k NodeKey) String() string { return formatKey(k.Dim, k.X, k.Y, k.Z) }

// Less orders keys by dimension, then x, y, z.
func (k NodeKey) Less(o NodeKey) bool {
	if k.Dim != o.Dim {
		return k.Dim < o.Dim
	}
	if k.X != o.X {
		return k.X < o.X
	}
	if k.Y != o.Y {
		return k.Y < o.Y
	}
	return k.Z < o.Z
}

func ParseNodeKey(s string) (NodeKey, bool) {
	dim, x, y, z, ok := parseKey(s)
	if !ok {
		return NodeKey{}, false
	}
	return NodeKey{Dim: dim, X: x, Y: y, Z: z}, true
}

// ContainerKey identifies an inventory-bearing block adjacent to a node.
type ContainerKey struct {
	Dim string
	X   int
	Y   int
	Z   int
}

func ContainerKeyAt(dim string, p Vec3i) ContainerKey {
	return ContainerKey{Dim: dim, X: p.X, Y: p.Y, Z: p.Z}
}

func (k ContainerKey) Pos() Vec3i { return Vec3i{X: k.X, Y: k.Y, Z: k.Z} }

func (k ContainerKey) IsZero() bool { return k == ContainerKey{} }

func (k ContainerKey) String() string { return formatKey(k.Dim, k.X, k.Y, k.Z) }

func ParseContainerKey(s string) (ContainerKey, bool) {
	dim, x, y, z, ok := parseKey(s)
	if !ok {
		return ContainerKey{}, false
	}
	return ContainerKey{Dim: dim, X: x, Y: y, Z: z}, true
}

func formatKey(dim string, x, y, z int) string {
	return fmt.Sprintf("%s@%d,%d,%d", dim, x, y, z)
}

func parseKey(s string) (dim string, x, y, z int, ok bool) {
	i := strings.LastIndexByte(s, '@')
	if i <= 0 {
		return "", 0, 0, 0, false
	}
	dim = s[:i]
	coord := strings.Split(s[i+1:], ",")
	if len(coord) != 3 {
		return "", 0, 0, 0, false
	}
	x, err1 := strconv.Atoi(coord[0])
	y, err2 := strconv.Atoi(coord[1])
	z, err3 := strconv.Atoi(coord[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return "", 0, 0, 0, false
	}
	return dim, x, y, z, true
}
