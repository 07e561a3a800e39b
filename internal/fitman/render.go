package fitman

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"

	"channelfit/pkg/colormap"
	"channelfit/pkg/grid"
)

// minRenderSize is the minimum pixel size of a rendered pattern edge. Small
// detector grids are upscaled so the cells stay visible.
const minRenderSize = 256

// RenderHeat rasterizes a pattern as a heat map, one cell per pixel, scaled
// to its own value range. Masked cells render gray.
func RenderHeat(p *grid.Pattern) *image.RGBA {
	lo, hi := valueRange(p)
	return rasterize(p, func(v float64) color.RGBA {
		if hi > lo {
			v = (v - lo) / (hi - lo)
		} else {
			v = 0
		}
		return colormap.Heat(v)
	})
}

// RenderResidual rasterizes the per-cell difference sim minus data as a
// diverging map, symmetric around zero. Cells masked in either pattern
// render gray.
func RenderResidual(data, sim *grid.Pattern) (*image.RGBA, error) {
	if data.Width != sim.Width || data.Height != sim.Height {
		return nil, fmt.Errorf("residual needs matching grids, got %dx%d and %dx%d",
			data.Width, data.Height, sim.Width, sim.Height)
	}
	diff := data.Clone()
	span := 0.0
	for i := range diff.Data {
		diff.Data[i] = sim.Data[i] - data.Data[i]
		diff.Mask[i] = data.Mask[i] || sim.Mask[i]
		if !diff.Mask[i] {
			span = math.Max(span, math.Abs(diff.Data[i]))
		}
	}
	return rasterize(diff, func(v float64) color.RGBA {
		if span > 0 {
			v /= span
		}
		return colormap.Diverging(v)
	}), nil
}

// SavePatternImage writes a pattern heat map to a PNG file.
func SavePatternImage(p *grid.Pattern, path string) error {
	return writePNG(RenderHeat(p), path)
}

// SavePatternImages writes a data, simulation and residual view of the
// selected fit as <basename>_data.png, <basename>_sim.png and
// <basename>_residual.png.
func (m *Manager) SavePatternImages(basename string, which Which, norm Normalization) error {
	if m.data == nil {
		return ErrNoPattern
	}
	sp, err := m.PatternFromFit(which, norm)
	if err != nil {
		return err
	}
	data, err := m.DataPattern(norm, "", which)
	if err != nil {
		return err
	}
	if err := SavePatternImage(data, basename+"_data.png"); err != nil {
		return err
	}
	if err := SavePatternImage(sp, basename+"_sim.png"); err != nil {
		return err
	}
	residual, err := RenderResidual(data, sp)
	if err != nil {
		return err
	}
	return writePNG(residual, basename+"_residual.png")
}

func valueRange(p *grid.Pattern) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i, v := range p.Data {
		if p.Mask[i] {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 0, 0
	}
	return lo, hi
}

// rasterize paints one pixel per cell, row zero at the top, and upscales
// with nearest-neighbour so cell boundaries stay sharp.
func rasterize(p *grid.Pattern, cellColor func(float64) color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	for row := 0; row < p.Height; row++ {
		for col := 0; col < p.Width; col++ {
			c := row*p.Width + col
			if p.Mask[c] {
				img.SetRGBA(col, row, colormap.Gray)
				continue
			}
			img.SetRGBA(col, row, cellColor(p.Data[c]))
		}
	}

	scale := 1
	for scale*p.Width < minRenderSize && scale*p.Height < minRenderSize {
		scale++
	}
	if scale == 1 {
		return img
	}
	scaled := image.NewRGBA(image.Rect(0, 0, p.Width*scale, p.Height*scale))
	draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
	return scaled
}

func writePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}
