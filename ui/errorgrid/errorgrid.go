// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errorgrid draws the wrong predictions of a classifier in a 3x3 grid of images, each titled
// "<predicted class> / <true class>", with the axes hidden.
//
// In a notebook (GoNB kernel) the grid is displayed inline, otherwise it is saved as a PNG file.
package errorgrid

import (
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gomlx/imgclassifier/pkg/classifier"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"k8s.io/klog/v2"
)

// Rows and Cols of the grid.
const (
	Rows = 3
	Cols = 3
)

// TileSize is the side of each image tile in the rendered grid.
var TileSize = 3 * vg.Inch

// MinPixels is the smallest side images are scaled up to before being plotted, so small images are not blurred.
var MinPixels = 128

// Grid holds one plot per wrong prediction, at most Rows*Cols of them.
type Grid struct {
	Plots []*plot.Plot
}

// Title of a tile: the predicted class name, followed by the true class name.
func Title(wrong classifier.WrongPrediction, classNames []string) string {
	return fmt.Sprintf("%s / %s", className(wrong.PredictedLabel, classNames), className(wrong.TrueLabel, classNames))
}

func className(label int, classNames []string) string {
	if label >= 0 && label < len(classNames) {
		return classNames[label]
	}
	return fmt.Sprintf("#%d", label)
}

// New creates the grid for the first Rows*Cols wrong predictions.
func New(wrong []classifier.WrongPrediction, classNames []string) (*Grid, error) {
	g := &Grid{}
	for _, w := range wrong[:min(len(wrong), Rows*Cols)] {
		if w.Image == nil {
			return nil, errors.Errorf("wrong prediction %q has no image", Title(w, classNames))
		}
		img := w.Image
		bounds := img.Bounds()
		if bounds.Dx() < MinPixels || bounds.Dy() < MinPixels {
			scale := max(MinPixels/max(bounds.Dx(), 1), MinPixels/max(bounds.Dy(), 1), 1)
			img = imaging.Resize(img, bounds.Dx()*scale, bounds.Dy()*scale, imaging.NearestNeighbor)
			bounds = img.Bounds()
		}
		p := plot.New()
		p.Title.Text = Title(w, classNames)
		p.Add(plotter.NewImage(img, 0, 0, float64(bounds.Dx()), float64(bounds.Dy())))
		p.HideAxes()
		g.Plots = append(g.Plots, p)
	}
	return g, nil
}

// Image renders the grid. Tiles without a wrong prediction are left blank.
func (g *Grid) Image() image.Image {
	return g.canvas().Image()
}

func (g *Grid) canvas() *vgimg.Canvas {
	c := vgimg.New(Cols*TileSize, Rows*TileSize)
	dc := draw.New(c)
	tiles := draw.Tiles{
		Rows: Rows, Cols: Cols,
		PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Millimeter, PadBottom: vg.Millimeter,
		PadLeft: vg.Millimeter, PadRight: vg.Millimeter,
	}
	for ii, p := range g.Plots {
		p.Draw(tiles.At(dc, ii%Cols, ii/Cols))
	}
	return c
}

// WritePNG renders the grid as a PNG image to w.
func (g *Grid) WritePNG(w io.Writer) error {
	_, err := vgimg.PngCanvas{Canvas: g.canvas()}.WriteTo(w)
	return errors.Wrap(err, "writing grid as PNG")
}

// Display implements classifier.Display: in a notebook the grid is shown inline, otherwise it is
// saved to Path.
type Display struct {
	// Path of the PNG file written when not in a notebook.
	Path string

	// Out, if set, is where the location of the saved grid is reported.
	Out io.Writer
}

// ShowErrors implements classifier.Display. Nothing is drawn if there are no wrong predictions.
func (d *Display) ShowErrors(wrong []classifier.WrongPrediction, classNames []string) error {
	if len(wrong) == 0 {
		return nil
	}
	g, err := New(wrong, classNames)
	if err != nil {
		return err
	}
	if gonbui.IsNotebook {
		src, err := gonbui.EmbedImageAsPNGSrc(g.Image())
		if err != nil {
			return errors.Wrap(err, "embedding grid image")
		}
		gonbui.DisplayHTML(fmt.Sprintf(`<img src="%s">`, src))
		return nil
	}
	if d.Path == "" {
		klog.Warning("no path configured for the wrong predictions grid, not saving it")
		return nil
	}
	f, err := os.Create(d.Path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", d.Path)
	}
	if err = g.WritePNG(f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", d.Path)
	}
	if d.Out != nil {
		_, _ = fmt.Fprintf(d.Out, "Wrong predictions grid saved to %q\n", d.Path)
	}
	return nil
}
