package train

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// frameGrid exposes [frames, channels] codec frames as a plotter.GridXYZ
// with time on the x axis.
type frameGrid struct {
	data     []float32
	frames   int
	channels int
}

func (g frameGrid) Dims() (c, r int)   { return g.frames, g.channels }
func (g frameGrid) Z(c, r int) float64 { return float64(g.data[c*g.channels+r]) }
func (g frameGrid) X(c int) float64    { return float64(c) }
func (g frameGrid) Y(r int) float64    { return float64(r) }

// PlotProgress renders codec frames [L, D] as a heat map with a vertical
// line at every token boundary and writes it to dir as a PNG. It returns
// the written path.
func PlotProgress(dir string, step int, frames *tensor.Tensor, durations []int) (string, error) {
	if frames == nil {
		return "", errors.New("train: plot: no frames")
	}

	shape := frames.Shape()
	if len(shape) != 2 || shape[0] < 2 || shape[1] < 2 {
		return "", fmt.Errorf("train: plot: frames %v too small to plot", shape)
	}

	grid := frameGrid{data: frames.RawData(), frames: int(shape[0]), channels: int(shape[1])}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Step %d", step)
	p.X.Label.Text = "frame"
	p.Y.Label.Text = "codec channel"
	p.Add(plotter.NewHeatMap(grid, palette.Heat(64, 1)))

	top := float64(grid.channels) - 0.5
	pos := 0

	for _, d := range durations {
		pos += d
		if d == 0 || pos >= grid.frames {
			continue
		}

		x := float64(pos) - 0.5

		line, err := plotter.NewLine(plotter.XYs{{X: x, Y: -0.5}, {X: x, Y: top}})
		if err != nil {
			return "", fmt.Errorf("train: plot: %w", err)
		}

		line.Width = vg.Points(0.5)
		p.Add(line)
	}

	canvas := vgimg.New(16*vg.Centimeter, 8*vg.Centimeter)
	p.Draw(draw.New(canvas))

	path := filepath.Join(dir, fmt.Sprintf("progress_%d.png", step))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("train: plot: %w", err)
	}

	if _, err := (vgimg.PngCanvas{Canvas: canvas}).WriteTo(f); err != nil {
		f.Close()
		return "", fmt.Errorf("train: plot: %w", err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("train: plot: %w", err)
	}

	return path, nil
}
