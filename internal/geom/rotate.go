package geom

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Angles recognized by the orientation preprocessor. Anything else is a bug
// upstream and is rejected by the callers before it reaches this package.
const (
	Angle0   = 0
	Angle90  = 90
	Angle180 = 180
	Angle270 = 270
)

// ValidAngle reports whether a is one of the four supported orientations.
func ValidAngle(a int) bool {
	return a == Angle0 || a == Angle90 || a == Angle180 || a == Angle270
}

// BackRotateKeypoint maps a keypoint detected in an image that was rotated
// clockwise by angle degrees back to the coordinate it would have had in the
// unrotated image. xMax and yMax are width-1 and height-1 of the *rotated*
// image, zero-indexed.
func BackRotateKeypoint(angle int, x, y, xMax, yMax float64) (float64, float64) {
	switch angle {
	case Angle90:
		// (x,y) becomes (y, x_max - x)
		return y, xMax - x
	case Angle180:
		// (x,y) becomes (x_max - x, y_max - y)
		return xMax - x, yMax - y
	case Angle270:
		// (x,y) becomes (y_max - y, x)
		return yMax - y, x
	default:
		return x, y
	}
}

// RotMatZ returns the 3x3 rotation matrix for a rotation of deg degrees
// about the z (viewing) axis.
func RotMatZ(deg float64) *mat.Dense {
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

// QvecToRotMat converts a (w, x, y, z) quaternion to its rotation matrix.
func QvecToRotMat(q [4]float64) *mat.Dense {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return mat.NewDense(3, 3, []float64{
		1 - 2*y*y - 2*z*z, 2*x*y - 2*z*w, 2*x*z + 2*y*w,
		2*x*y + 2*z*w, 1 - 2*x*x - 2*z*z, 2*y*z - 2*x*w,
		2*x*z - 2*y*w, 2*y*z + 2*x*w, 1 - 2*x*x - 2*y*y,
	})
}

// RotMatToQvec converts a rotation matrix to a unit (w, x, y, z) quaternion.
// The branch on the largest diagonal term keeps the conversion numerically
// stable for rotations near 180 degrees.
func RotMatToQvec(r mat.Matrix) [4]float64 {
	m00, m01, m02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	m10, m11, m12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	m20, m21, m22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	trace := m00 + m11 + m22
	var q [4]float64
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		q[0] = s / 4
		q[1] = (m21 - m12) / s
		q[2] = (m02 - m20) / s
		q[3] = (m10 - m01) / s
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q[0] = (m21 - m12) / s
		q[1] = s / 4
		q[2] = (m01 + m10) / s
		q[3] = (m02 + m20) / s
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q[0] = (m02 - m20) / s
		q[1] = (m01 + m10) / s
		q[2] = s / 4
		q[3] = (m12 + m21) / s
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q[0] = (m10 - m01) / s
		q[1] = (m02 + m20) / s
		q[2] = (m12 + m21) / s
		q[3] = s / 4
	}
	if q[0] < 0 {
		for i := range q {
			q[i] = -q[i]
		}
	}
	return q
}

// MulMat returns a*b for two 3x3 matrices.
func MulMat(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

// MulVec returns r*v for a 3x3 matrix and a 3-vector.
func MulVec(r mat.Matrix, v [3]float64) [3]float64 {
	var out mat.VecDense
	out.MulVec(r, mat.NewVecDense(3, v[:]))
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}
