package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"

	"histostack/internal/batch"
)

// ImagickMeter counts foreground pixels with ImageMagick. The background
// threshold is in the native intensity scale of the image, so 0..255 for
// 8-bit slices.
type ImagickMeter struct{}

// Mass returns the number of pixels whose grey intensity exceeds background.
func (ImagickMeter) Mass(ctx context.Context, imagePath string, background float64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(imagePath); err != nil {
		return 0, fmt.Errorf("read %s: %w", imagePath, err)
	}
	width, height := mw.GetImageWidth(), mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return 0, fmt.Errorf("export pixels from %s: %w", imagePath, err)
	}
	scale := math.Pow(2, float64(mw.GetImageDepth())) - 1

	var values []float64
	switch v := pixels.(type) {
	case []float64:
		values = v
	case []float32:
		values = make([]float64, len(v))
		for i, f := range v {
			values[i] = float64(f)
		}
	default:
		return 0, fmt.Errorf("unexpected pixel type: %T", pixels)
	}
	return countAbove(values, scale, background), nil
}

// countAbove counts normalized values that exceed background once scaled.
func countAbove(values []float64, scale, background float64) int64 {
	var n int64
	for _, v := range values {
		if v*scale > background {
			n++
		}
	}
	return n
}

// Crop cuts roi out of the image at path and overwrites it.
func Crop(path string, roi ROI) error {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.CropImage(roi.Width, roi.Height, roi.X, roi.Y); err != nil {
		return fmt.Errorf("crop %s to %s: %w", path, roi, err)
	}
	if err := mw.SetImagePage(roi.Width, roi.Height, 0, 0); err != nil {
		return fmt.Errorf("reset page of %s: %w", path, err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// CommandMeter runs "<binary> <image> <background>" and reads the mass as the
// last field of its output.
type CommandMeter struct {
	Runner batch.Runner
	Binary string
}

func (m CommandMeter) Mass(ctx context.Context, imagePath string, background float64) (int64, error) {
	out, err := m.Runner.Run(ctx, m.Binary, []string{imagePath, strconv.FormatFloat(background, 'g', -1, 64)})
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", m.Binary, imagePath, err)
	}
	return parseMass(string(out))
}

func parseMass(out string) (int64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty mass output")
	}
	last := fields[len(fields)-1]
	if n, err := strconv.ParseInt(last, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, fmt.Errorf("parse mass %q: %w", last, err)
	}
	return int64(math.Round(f)), nil
}
