// Package renderer provides the pluggable rendering step the worker
// communicator hands jobs to. Actual map rendering (Mapnik or
// equivalent) is an external process in production and out of scope
// here; this package defines the seam the worker binary wires the
// communicator through and a stand-in implementation that produces a
// structurally valid metatile so the rest of the dispatch pipeline can
// be exercised end to end.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/mapquest/rendermq/pkg/metatile"
	"github.com/mapquest/rendermq/pkg/tile"
)

const tileSize = 256

// Renderer turns a render job into packed metatile bytes.
type Renderer interface {
	Render(ctx context.Context, job tile.Job) ([]byte, error)
}

// Stub renders every sub-tile of a job's metatile block as a flat-color
// PNG. It stands in for the external renderer process; its output is
// structurally valid (packs and slices correctly) but carries no map
// data.
type Stub struct {
	Fill color.RGBA
}

// NewStub returns a Stub filling tiles with a pale gray, distinguishing
// stand-in output from a blank/transparent tile at a glance.
func NewStub() *Stub {
	return &Stub{Fill: color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}}
}

func (s *Stub) Render(ctx context.Context, job tile.Job) ([]byte, error) {
	meta := metatile.New(job.X, job.Y, job.Z)
	img := s.tileImage()
	var formats []tile.Format
	if job.Format != 0 {
		formats = []tile.Format{job.Format}
	} else {
		formats = []tile.Format{tile.FormatPNG}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("renderer: encode stub tile: %w", err)
	}
	tileBytes := buf.Bytes()

	for dy := 0; dy < metatile.Dim; dy++ {
		for dx := 0; dx < metatile.Dim; dx++ {
			meta.Set(formats[0], job.X+dx, job.Y+dy, tileBytes)
		}
	}

	packed, err := meta.Pack(formats)
	if err != nil {
		return nil, fmt.Errorf("renderer: pack metatile: %w", err)
	}
	return packed, nil
}

func (s *Stub) tileImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	for y := 0; y < tileSize; y++ {
		for x := 0; x < tileSize; x++ {
			img.Set(x, y, s.Fill)
		}
	}
	return img
}
