package boxes

import (
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func TestMakeAnchorsCountAndStrides(t *testing.T) {
	sizes := []FeatureSize{{H: 8, W: 8}, {H: 4, W: 4}, {H: 2, W: 2}}
	strides := []float32{8, 16, 32}
	points, strideT, err := MakeAnchors(sizes, strides, 0.5)
	if err != nil {
		t.Fatalf("make anchors failed: %v", err)
	}
	wantN := 8*8 + 4*4 + 2*2
	if points.Shape()[0] != wantN || points.Shape()[1] != 2 {
		t.Fatalf("points shape %v, want (%d, 2)", points.Shape(), wantN)
	}
	sRaw := strideT.Data()
	for k := 0; k < wantN; k++ {
		var want float32
		switch {
		case k < 64:
			want = 8
		case k < 80:
			want = 16
		default:
			want = 32
		}
		if sRaw[k] != want {
			t.Fatalf("stride[%d] = %v, want %v", k, sRaw[k], want)
		}
	}
	// first anchor of each scale sits at the cell center
	pRaw := points.Data()
	if pRaw[0] != 0.5 || pRaw[1] != 0.5 {
		t.Fatalf("first anchor at (%v, %v), want (0.5, 0.5)", pRaw[0], pRaw[1])
	}
	// last anchor of the first scale is (7.5, 7.5)
	if pRaw[63*2] != 7.5 || pRaw[63*2+1] != 7.5 {
		t.Fatalf("last scale-0 anchor at (%v, %v)", pRaw[63*2], pRaw[63*2+1])
	}
}

func TestDistBoxRoundTrip(t *testing.T) {
	sizes := []FeatureSize{{H: 2, W: 2}}
	points, _, err := MakeAnchors(sizes, []float32{8}, 0.5)
	if err != nil {
		t.Fatalf("make anchors failed: %v", err)
	}
	// boxes containing their anchor with per-side distances under regMax
	n := 4
	raw := make([]float32, n*4)
	pRaw := points.Data()
	dists := [][4]float32{
		{0.5, 0.5, 0.5, 0.5},
		{0.2, 1.0, 2.0, 0.4},
		{1.5, 0.1, 0.1, 1.5},
		{3.0, 2.0, 1.0, 0.5},
	}
	for i := 0; i < n; i++ {
		cx, cy := pRaw[i*2], pRaw[i*2+1]
		raw[i*4] = cx - dists[i][0]
		raw[i*4+1] = cy - dists[i][1]
		raw[i*4+2] = cx + dists[i][2]
		raw[i*4+3] = cy + dists[i][3]
	}
	bboxes := tensor.MustNew(raw, 1, n, 4)
	enc, err := BBox2Dist(points, bboxes, 16)
	if err != nil {
		t.Fatalf("bbox2dist failed: %v", err)
	}
	// rearrange (1, N, 4) -> (1, 4, N) for decoding
	decInput := tensor.Zeros(1, 4, n)
	dst := decInput.Raw()
	for i := 0; i < n; i++ {
		for k := 0; k < 4; k++ {
			dst[k*n+i] = enc.Data()[i*4+k]
		}
	}
	dec, err := Dist2BBox(decInput, points)
	if err != nil {
		t.Fatalf("dist2bbox failed: %v", err)
	}
	for i := 0; i < n; i++ {
		for k := 0; k < 4; k++ {
			got := dec.Data()[k*n+i]
			want := raw[i*4+k]
			if !almostEqual(got, want, 1e-5) {
				t.Fatalf("round trip box %d side %d: got %v, want %v", i, k, got, want)
			}
		}
	}
}

func TestDecodedBoxesAreOrdered(t *testing.T) {
	sizes := []FeatureSize{{H: 1, W: 2}}
	points, _, err := MakeAnchors(sizes, []float32{8}, 0.5)
	if err != nil {
		t.Fatalf("make anchors failed: %v", err)
	}
	dist := tensor.MustNew([]float32{
		1, 2, // left
		1, 1, // top
		2, 1, // right
		1, 1, // bottom
	}, 1, 4, 2)
	dec, err := Dist2BBox(dist, points)
	if err != nil {
		t.Fatalf("dist2bbox failed: %v", err)
	}
	d := dec.Data()
	n := 2
	for i := 0; i < n; i++ {
		x1, y1 := d[0*n+i], d[1*n+i]
		x2, y2 := d[2*n+i], d[3*n+i]
		if x2 < x1 || y2 < y1 {
			t.Fatalf("decoded box %d is inverted: (%v,%v,%v,%v)", i, x1, y1, x2, y2)
		}
	}
}
