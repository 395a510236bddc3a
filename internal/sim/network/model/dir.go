package model

type Axis uint8

const (
	AxisNone Axis = iota
	AxisX
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	default:
		return "?"
	}
}

// Dir is one of the six axis-aligned directions.
type Dir uint8

const (
	DirPosX Dir = iota
	DirNegX
	DirPosY
	DirNegY
	DirPosZ
	DirNegZ
)

// Dirs lists all directions in scan order.
var Dirs = [6]Dir{DirPosX, DirNegX, DirPosY, DirNegY, DirPosZ, DirNegZ}

func (d Dir) Offset() Vec3i {
	switch d {
	case DirPosX:
		return Vec3i{X: 1}
	case DirNegX:
		return Vec3i{X: -1}
	case DirPosY:
		return Vec3i{Y: 1}
	case DirNegY:
		return Vec3i{Y: -1}
	case DirPosZ:
		return Vec3i{Z: 1}
	case DirNegZ:
		return Vec3i{Z: -1}
	default:
		return Vec3i{}
	}
}

func (d Dir) Opposite() Dir {
	switch d {
	case DirPosX:
		return DirNegX
	case DirNegX:
		return DirPosX
	case DirPosY:
		return DirNegY
	case DirNegY:
		return DirPosY
	case DirPosZ:
		return DirNegZ
	default:
		return DirPosZ
	}
}

func (d Dir) Axis() Axis {
	switch d {
	case DirPosX, DirNegX:
		return AxisX
	case DirPosY, DirNegY:
		return AxisY
	case DirPosZ, DirNegZ:
		return AxisZ
	default:
		return AxisNone
	}
}

func (d Dir) String() string {
	switch d {
	case DirPosX:
		return "+X"
	case DirNegX:
		return "-X"
	case DirPosY:
		return "+Y"
	case DirNegY:
		return "-Y"
	case DirPosZ:
		return "+Z"
	case DirNegZ:
		return "-Z"
	default:
		return "?"
	}
}
