package geometry

import (
	"math"
	"testing"

	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

var testQuad = types.OrientedQuad{
	{X: 0.1, Y: 0.2},
	{X: 0.5, Y: 0.2},
	{X: 0.5, Y: 0.6},
	{X: 0.1, Y: 0.6},
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestToPolygonIsClosedAndScaled(t *testing.T) {
	poly := ToPolygon(testQuad, 640, 480, false)
	if len(poly) != 5 {
		t.Fatalf("len = %d, want 5", len(poly))
	}
	if poly[0] != poly[4] {
		t.Fatalf("polygon not closed: %v", poly)
	}
	if !near(poly[1].X, 320) || !near(poly[1].Y, 96) {
		t.Fatalf("poly[1] = %+v, want (320,96)", poly[1])
	}
}

func TestToPolygonMirror(t *testing.T) {
	poly := ToPolygon(testQuad, 100, 100, true)
	if !near(poly[0].X, 90) || !near(poly[1].X, 50) {
		t.Fatalf("mirrored x = %v,%v want 90,50", poly[0].X, poly[1].X)
	}
	if !near(poly[0].Y, 20) {
		t.Fatalf("y must not be mirrored: %v", poly[0].Y)
	}
}

func TestToPolygonFollowsViewport(t *testing.T) {
	small := ToPolygon(testQuad, 320, 240, true)
	large := ToPolygon(testQuad, 1280, 960, true)
	for i := range small {
		if !near(large[i].X, small[i].X*4) || !near(large[i].Y, small[i].Y*4) {
			t.Fatalf("point %d not proportional: %+v vs %+v", i, small[i], large[i])
		}
	}
}

func TestColorsCycleByDetectionOrder(t *testing.T) {
	s := types.Snapshot{
		Classes: make([]types.ToolClass, len(Palette)+1),
		Probs:   make([]float64, len(Palette)+1),
		Quads:   make([]types.OrientedQuad, len(Palette)+1),
	}
	for i := range s.Classes {
		s.Classes[i] = "SAME_CLASS"
	}
	ovs := Overlays(s, 10, 10, false)
	if ovs[0].Color == ovs[1].Color {
		t.Fatalf("same class boxes must get distinct colors by order")
	}
	if ovs[len(Palette)].Color != ovs[0].Color {
		t.Fatalf("palette does not cycle")
	}
}

func TestColorForNegativeIndexes(t *testing.T) {
	n := len(Palette)
	if ColorFor(-1) != Palette[n-1] {
		t.Fatalf("ColorFor(-1) = %v, want last palette color", ColorFor(-1))
	}
	if ColorFor(-n) != Palette[0] {
		t.Fatalf("ColorFor(-n) = %v", ColorFor(-n))
	}
	for _, i := range []int{math.MinInt, math.MinInt + 1, math.MaxInt} {
		c := ColorFor(i)
		if c.A != 255 {
			t.Fatalf("ColorFor(%d) = %v", i, c)
		}
	}
}
