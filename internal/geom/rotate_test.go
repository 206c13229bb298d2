package geom

import (
	"math"
	"testing"
)

func TestBackRotateKeypoint90(t *testing.T) {
	// Rotated image is 100x50, keypoint (10,20) detected in it.
	x, y := BackRotateKeypoint(Angle90, 10, 20, 99, 49)
	if x != 20 || y != 89 {
		t.Fatalf("expected (20,89), got (%v,%v)", x, y)
	}
}

func TestBackRotateKeypoint180(t *testing.T) {
	x, y := BackRotateKeypoint(Angle180, 10, 20, 99, 49)
	if x != 89 || y != 29 {
		t.Fatalf("expected (89,29), got (%v,%v)", x, y)
	}
}

func TestBackRotateKeypoint270(t *testing.T) {
	x, y := BackRotateKeypoint(Angle270, 10, 20, 99, 49)
	if x != 29 || y != 10 {
		t.Fatalf("expected (29,10), got (%v,%v)", x, y)
	}
}

func TestBackRotateKeypointZeroIsIdentity(t *testing.T) {
	x, y := BackRotateKeypoint(Angle0, 13, 37, 99, 49)
	if x != 13 || y != 37 {
		t.Fatalf("expected (13,37), got (%v,%v)", x, y)
	}
}

func TestBackRotateRoundTrip(t *testing.T) {
	// Forward rotation of an original WxH image clockwise by 90 maps
	// (X,Y) to (H-1-Y, X) in an HxW frame. Back-rotating must recover
	// the original coordinate.
	const origW, origH = 50, 100
	for _, pt := range [][2]float64{{0, 0}, {49, 99}, {12, 70}, {31, 5}} {
		X, Y := pt[0], pt[1]
		rx, ry := float64(origH-1)-Y, X
		bx, by := BackRotateKeypoint(Angle90, rx, ry, origH-1, origW-1)
		if bx != X || by != Y {
			t.Fatalf("round trip for (%v,%v): got (%v,%v)", X, Y, bx, by)
		}
	}
}

func TestRotMatZ(t *testing.T) {
	r := RotMatZ(90)
	v := MulVec(r, [3]float64{1, 0, 0})
	want := [3]float64{0, 1, 0}
	for i := range v {
		if math.Abs(v[i]-want[i]) > 1e-12 {
			t.Fatalf("Rz(90)*(1,0,0) = %v, want %v", v, want)
		}
	}
}

func TestRotMatZNegativeCancels(t *testing.T) {
	r := MulMat(RotMatZ(-90), RotMatZ(90))
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(r.At(i, j)-want) > 1e-12 {
				t.Fatalf("Rz(-90)*Rz(90) not identity at (%d,%d): %v", i, j, r.At(i, j))
			}
		}
	}
}

func TestQvecRoundTrip(t *testing.T) {
	for _, deg := range []float64{0, 45, 90, 135, 180, 225, 270} {
		q := RotMatToQvec(RotMatZ(deg))
		r := QvecToRotMat(q)
		ref := RotMatZ(deg)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				if math.Abs(r.At(i, j)-ref.At(i, j)) > 1e-9 {
					t.Fatalf("round trip failed for %v degrees", deg)
				}
			}
		}
	}
}
