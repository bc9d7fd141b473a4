package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/aflt-toolscan/kit-verifier/internal/geometry"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

func grayFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func square(x0, y0, x1, y1 float64, c color.RGBA) geometry.Overlay {
	return geometry.Overlay{
		Class: "PASSATIGI",
		Polygon: []types.Point{
			{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0},
		},
		Color: c,
	}
}

func TestDrawStrokesAndFills(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 100, 100))
	red := color.RGBA{R: 255, A: 255}
	Draw(dst, []geometry.Overlay{square(20, 20, 80, 80, red)}, Options{StrokeWidth: 4, FillAlpha: 255})

	edge := dst.RGBAAt(20, 50)
	if edge.R < 200 || edge.G > 50 {
		t.Fatalf("edge pixel = %+v, want red", edge)
	}
	inside := dst.RGBAAt(50, 50)
	if inside.R < 200 {
		t.Fatalf("inside pixel = %+v, want filled", inside)
	}
	outside := dst.RGBAAt(5, 5)
	if outside.R != 0 || outside.A != 0 {
		t.Fatalf("outside pixel = %+v, want untouched", outside)
	}
}

func TestDrawStrokeOnly(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 100, 100))
	green := color.RGBA{G: 255, A: 255}
	Draw(dst, []geometry.Overlay{square(20, 20, 80, 80, green)}, Options{StrokeWidth: 2})

	if c := dst.RGBAAt(50, 50); c.A != 0 {
		t.Fatalf("interior painted without fill: %+v", c)
	}
	if c := dst.RGBAAt(50, 20); c.G < 200 {
		t.Fatalf("top edge = %+v, want green", c)
	}
}

func TestDrawSkipsDegeneratePolygons(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 10, 10))
	Draw(dst, []geometry.Overlay{{Polygon: []types.Point{{X: 1, Y: 1}}}}, DefaultOptions())
	for _, v := range dst.Pix {
		if v != 0 {
			t.Fatalf("degenerate polygon drew pixels")
		}
	}
}

func TestRenderProducesJPEG(t *testing.T) {
	frame := grayFrame(t, 64, 48)
	out, err := Render(frame, []geometry.Overlay{square(10, 10, 30, 30, geometry.ColorFor(0))}, DefaultOptions())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output not jpeg: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Fatalf("size = %dx%d", cfg.Width, cfg.Height)
	}
}

func TestRenderRejectsGarbage(t *testing.T) {
	if _, err := Render([]byte("not a jpeg"), nil, DefaultOptions()); err == nil {
		t.Fatalf("garbage frame accepted")
	}
}

func TestMirror(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	img.SetRGBA(2, 0, color.RGBA{B: 255, A: 255})
	mirror(img)
	if img.RGBAAt(0, 0).B != 255 || img.RGBAAt(2, 0).R != 255 {
		t.Fatalf("mirror did not swap columns: %v", img.Pix)
	}
}
