// Package geometry provides the orientation math used to score challenge
// attempts: Euler-angle to quaternion conversion and the angular distance
// between two orientations.
package geometry

import "math"

// Quaternion is a unit rotation quaternion.
type Quaternion struct {
	W float64
	X float64
	Y float64
	Z float64
}

// EulerAngles holds an intrinsic XYZ rotation in radians.
type EulerAngles struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FromEuler converts intrinsic XYZ Euler angles (radians) to a quaternion.
func FromEuler(e EulerAngles) Quaternion {
	c1 := math.Cos(e.X / 2)
	c2 := math.Cos(e.Y / 2)
	c3 := math.Cos(e.Z / 2)
	s1 := math.Sin(e.X / 2)
	s2 := math.Sin(e.Y / 2)
	s3 := math.Sin(e.Z / 2)

	return Quaternion{
		W: c1*c2*c3 + s1*s2*s3,
		X: s1*c2*c3 - c1*s2*s3,
		Y: c1*s2*c3 + s1*c2*s3,
		Z: c1*c2*s3 - s1*s2*c3,
	}
}

// AngularDistance returns the minimal rotation angle between two
// orientations, in radians within [0, pi]. The absolute value of the dot
// product folds the quaternion double cover (q and -q are the same
// rotation); the min clamp guards acos against floating-point overshoot.
func AngularDistance(q1, q2 Quaternion) float64 {
	dot := q1.W*q2.W + q1.X*q2.X + q1.Y*q2.Y + q1.Z*q2.Z
	return 2 * math.Acos(math.Min(math.Abs(dot), 1.0))
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
