package capture

import (
	"image"
	"image/color"
	"math"
	"time"

	xdraw "golang.org/x/image/draw"
)

const (
	clickPulseDuration  = 600 * time.Millisecond
	clickPulseMaxRadius = 48.0
	overlayFraction     = 0.25 // camera circle diameter as a fraction of canvas height
	overlayMargin       = 24
)

// ClickPulse is one click highlight animating on the canvas. Coordinates
// are normalized to [0, 1] of the canvas.
type ClickPulse struct {
	X, Y  float64
	Start time.Time
}

// PrunePulses drops pulses whose animation has completed.
func PrunePulses(pulses []ClickPulse, now time.Time) []ClickPulse {
	out := pulses[:0]
	for _, p := range pulses {
		if now.Sub(p.Start) < clickPulseDuration {
			out = append(out, p)
		}
	}
	return out
}

// Renderer composes device frames onto a single canvas according to the
// recording mode and layout. The canvas is reused across frames; only the
// render loop writes to it.
type Renderer struct {
	cfg    Config
	canvas *image.RGBA
}

// NewRenderer allocates a canvas for the configured dimensions.
func NewRenderer(cfg Config) *Renderer {
	cfg = cfg.withDefaults()
	return &Renderer{
		cfg:    cfg,
		canvas: image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
	}
}

// Canvas returns the composed frame. Valid until the next DrawFrame.
func (r *Renderer) Canvas() *image.RGBA { return r.canvas }

// DrawFrame composes one frame. A nil screen or camera frame (stream not
// yet delivering) leaves that region as background.
func (r *Renderer) DrawFrame(screen, camera image.Image, pulses []ClickPulse, now time.Time) {
	r.fill(r.cfg.Background)

	full := r.canvas.Bounds()
	switch {
	case r.cfg.Mode == ModeScreenCamMic && r.cfg.CameraLayout == LayoutSplit:
		half := full.Dx() / 2
		left := image.Rect(full.Min.X, full.Min.Y, full.Min.X+half, full.Max.Y)
		right := image.Rect(full.Min.X+half, full.Min.Y, full.Max.X, full.Max.Y)
		if screen != nil {
			r.drawContained(screen, left)
		}
		if camera != nil {
			r.drawCovered(camera, right)
		}
	case r.cfg.Mode == ModeScreenCamMic:
		if screen != nil {
			r.drawContained(screen, full)
		}
		if camera != nil {
			r.drawCameraOverlay(camera)
		}
	case r.cfg.Mode == ModeScreenMic:
		if screen != nil {
			r.drawContained(screen, full)
		}
	case r.cfg.Mode == ModeCamMic:
		if camera != nil {
			r.drawContained(camera, full)
		}
	}

	if r.cfg.TrackClicks {
		r.drawPulses(pulses, now)
	}
}

func (r *Renderer) fill(c color.RGBA) {
	b := r.canvas.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r.canvas.SetRGBA(x, y, c)
		}
	}
}

// drawContained scales src to fit entirely inside dst preserving aspect
// ratio, centered, leaving letterbox bands as background.
func (r *Renderer) drawContained(src image.Image, dst image.Rectangle) {
	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return
	}
	scale := math.Min(float64(dst.Dx())/float64(sb.Dx()), float64(dst.Dy())/float64(sb.Dy()))
	w := int(float64(sb.Dx()) * scale)
	h := int(float64(sb.Dy()) * scale)
	x0 := dst.Min.X + (dst.Dx()-w)/2
	y0 := dst.Min.Y + (dst.Dy()-h)/2
	target := image.Rect(x0, y0, x0+w, y0+h)
	xdraw.ApproxBiLinear.Scale(r.canvas, target, src, sb, xdraw.Over, nil)
}

// drawCovered scales src to fill dst preserving aspect ratio, cropping
// whatever overflows.
func (r *Renderer) drawCovered(src image.Image, dst image.Rectangle) {
	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return
	}
	scale := math.Max(float64(dst.Dx())/float64(sb.Dx()), float64(dst.Dy())/float64(sb.Dy()))
	cropW := int(float64(dst.Dx()) / scale)
	cropH := int(float64(dst.Dy()) / scale)
	crop := image.Rect(
		sb.Min.X+(sb.Dx()-cropW)/2,
		sb.Min.Y+(sb.Dy()-cropH)/2,
		sb.Min.X+(sb.Dx()-cropW)/2+cropW,
		sb.Min.Y+(sb.Dy()-cropH)/2+cropH,
	)
	xdraw.ApproxBiLinear.Scale(r.canvas, dst, src, crop, xdraw.Over, nil)
}

// drawCameraOverlay draws the camera cover-fitted into a circle in the
// bottom-left corner.
func (r *Renderer) drawCameraOverlay(camera image.Image) {
	d := int(float64(r.cfg.Height) * overlayFraction)
	x0 := overlayMargin
	y0 := r.cfg.Height - overlayMargin - d
	dst := image.Rect(x0, y0, x0+d, y0+d)

	// Cover-fit into a scratch square, then blit through a circular mask.
	square := image.NewRGBA(image.Rect(0, 0, d, d))
	sb := camera.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return
	}
	scale := math.Max(float64(d)/float64(sb.Dx()), float64(d)/float64(sb.Dy()))
	cropW := int(float64(d) / scale)
	cropH := int(float64(d) / scale)
	crop := image.Rect(
		sb.Min.X+(sb.Dx()-cropW)/2,
		sb.Min.Y+(sb.Dy()-cropH)/2,
		sb.Min.X+(sb.Dx()-cropW)/2+cropW,
		sb.Min.Y+(sb.Dy()-cropH)/2+cropH,
	)
	xdraw.ApproxBiLinear.Scale(square, square.Bounds(), camera, crop, xdraw.Src, nil)

	mask := &circleMask{c: image.Pt(d/2, d/2), r: d / 2}
	xdraw.DrawMask(r.canvas, dst, square, image.Point{}, mask, image.Point{}, xdraw.Over)
}

// drawPulses paints each live click as a ring whose radius grows and
// opacity fades over the pulse lifetime.
func (r *Renderer) drawPulses(pulses []ClickPulse, now time.Time) {
	for _, p := range pulses {
		age := now.Sub(p.Start)
		if age < 0 || age >= clickPulseDuration {
			continue
		}
		t := float64(age) / float64(clickPulseDuration)
		radius := clickPulseMaxRadius * t
		alpha := 1.0 - t
		cx := p.X * float64(r.cfg.Width)
		cy := p.Y * float64(r.cfg.Height)
		r.drawRing(cx, cy, radius, alpha)
	}
}

func (r *Renderer) drawRing(cx, cy, radius, alpha float64) {
	const thickness = 3.0
	a := uint8(alpha * 255)
	ring := color.RGBA{R: 255, G: 200, B: 0, A: a}
	x0 := int(cx - radius - thickness)
	x1 := int(cx + radius + thickness)
	y0 := int(cy - radius - thickness)
	y1 := int(cy + radius + thickness)
	b := r.canvas.Bounds()
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if x < b.Min.X || x >= b.Max.X || y < b.Min.Y || y >= b.Max.Y {
				continue
			}
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			if math.Abs(d-radius) <= thickness {
				r.canvas.SetRGBA(x, y, ring)
			}
		}
	}
}

// circleMask is an alpha mask selecting a filled circle.
type circleMask struct {
	c image.Point
	r int
}

func (m *circleMask) ColorModel() color.Model { return color.AlphaModel }

func (m *circleMask) Bounds() image.Rectangle {
	return image.Rect(m.c.X-m.r, m.c.Y-m.r, m.c.X+m.r, m.c.Y+m.r)
}

func (m *circleMask) At(x, y int) color.Color {
	dx := float64(x - m.c.X)
	dy := float64(y - m.c.Y)
	if math.Hypot(dx, dy) <= float64(m.r) {
		return color.Alpha{A: 255}
	}
	return color.Alpha{}
}
