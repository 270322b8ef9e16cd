package encode

import "testing"

func TestBGRAtoI420_2x2(t *testing.T) {
	// Same 2x2 pixel layout/colors as the teacher's BGRA color-conversion
	// test, but laid out as three planes instead of interleaved NV12.
	bgra := []byte{
		0, 0, 255, 255, 0, 255, 0, 255,
		255, 0, 0, 255, 255, 255, 255, 255,
	}

	planes, buf := bgraToI420(bgra, 2, 2, 2*4)
	defer putI420Buffer(buf)

	if len(planes.Y) != 4 {
		t.Fatalf("expected Y plane length 4, got %d", len(planes.Y))
	}
	if len(planes.U) != 1 || len(planes.V) != 1 {
		t.Fatalf("expected 1-byte U/V planes for 2x2 input, got U=%d V=%d", len(planes.U), len(planes.V))
	}

	wantY := []byte{82, 144, 41, 235}
	for i := range wantY {
		if planes.Y[i] != wantY[i] {
			t.Fatalf("Y[%d] = %d, want %d", i, planes.Y[i], wantY[i])
		}
	}
	if planes.U[0] != 90 || planes.V[0] != 240 {
		t.Fatalf("U/V = %d/%d, want 90/240", planes.U[0], planes.V[0])
	}
}

func TestAlignTo16(t *testing.T) {
	cases := map[int]int{0: 0, 1: 16, 15: 16, 16: 16, 17: 32, 1920: 1920, 1921: 1936}
	for in, want := range cases {
		if got := alignTo16(in); got != want {
			t.Fatalf("alignTo16(%d) = %d, want %d", in, got, want)
		}
	}
}
