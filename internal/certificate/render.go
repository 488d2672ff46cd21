package certificate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
)

// Artifact is the content printed on a rendered certificate.
type Artifact struct {
	Number           string
	LearnerName      string
	CourseTitle      string
	VerificationCode string
	IssuedAt         time.Time
}

// Renderer produces the visual certificate and returns its public URL.
type Renderer interface {
	Render(ctx context.Context, a Artifact) (string, error)
}

const (
	canvasWidth  = 1600
	canvasHeight = 1131
)

// ImageRenderer draws PNG certificates into a directory served under baseURL.
type ImageRenderer struct {
	dir     string
	baseURL string

	title  font.Face
	body   font.Face
	footer font.Face
}

// NewImageRenderer creates a renderer. With an empty fontPath the renderer
// uses gg's built-in bitmap face at a single size.
func NewImageRenderer(dir, baseURL, fontPath string) (*ImageRenderer, error) {
	r := &ImageRenderer{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
	if fontPath == "" {
		return r, nil
	}

	data, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate font: %w", err)
	}
	parsed, err := truetype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse certificate font: %w", err)
	}
	face := func(size float64) font.Face {
		return truetype.NewFace(parsed, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingNone})
	}
	r.title, r.body, r.footer = face(72), face(44), face(24)
	return r, nil
}

// Render draws the certificate to <dir>/<number>.png.
func (r *ImageRenderer) Render(ctx context.Context, a Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dc := gg.NewContext(canvasWidth, canvasHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	dc.SetRGB(0.15, 0.25, 0.45)
	dc.SetLineWidth(12)
	dc.DrawRectangle(40, 40, canvasWidth-80, canvasHeight-80)
	dc.Stroke()
	dc.SetLineWidth(3)
	dc.DrawRectangle(70, 70, canvasWidth-140, canvasHeight-140)
	dc.Stroke()

	cx := float64(canvasWidth) / 2
	r.use(dc, r.title)
	dc.DrawStringAnchored("Certificate of Completion", cx, 260, 0.5, 0.5)

	dc.SetRGB(0.2, 0.2, 0.2)
	r.use(dc, r.body)
	dc.DrawStringAnchored("This certifies that", cx, 420, 0.5, 0.5)
	dc.DrawStringAnchored(a.LearnerName, cx, 510, 0.5, 0.5)
	dc.DrawStringAnchored("has completed", cx, 600, 0.5, 0.5)
	dc.DrawStringWrapped(a.CourseTitle, cx, 690, 0.5, 0.5, canvasWidth-400, 1.4, gg.AlignCenter)

	r.use(dc, r.footer)
	dc.DrawStringAnchored("Issued "+a.IssuedAt.UTC().Format("2 January 2006"), cx, 880, 0.5, 0.5)
	dc.DrawStringAnchored(a.Number, cx, 940, 0.5, 0.5)
	dc.DrawStringAnchored("Verification code "+a.VerificationCode, cx, 990, 0.5, 0.5)

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	name := a.Number + ".png"
	if err := dc.SavePNG(filepath.Join(r.dir, name)); err != nil {
		return "", fmt.Errorf("save certificate png: %w", err)
	}
	return r.baseURL + "/" + name, nil
}

func (r *ImageRenderer) use(dc *gg.Context, face font.Face) {
	if face != nil {
		dc.SetFontFace(face)
	}
}
