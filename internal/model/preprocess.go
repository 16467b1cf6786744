package model

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// Preprocessor turns a decoded image into the CHW float tensor a ViT-style
// model expects: bilinear resize to Size x Size, rescale to [0,1], then
// (v - Mean) / Std per channel.
type Preprocessor struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// Tensor returns 3*Size*Size values laid out channel-major (R plane, G plane, B plane).
// Alpha is dropped without premultiplication.
func (p Preprocessor) Tensor(img image.Image) []float32 {
	size := uint(p.Size)
	resized := resize.Resize(size, size, img, resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			idx := y*width + x
			data[idx] = (float32(c.R)/255 - p.Mean[0]) / p.Std[0]
			data[plane+idx] = (float32(c.G)/255 - p.Mean[1]) / p.Std[1]
			data[2*plane+idx] = (float32(c.B)/255 - p.Mean[2]) / p.Std[2]
		}
	}
	return data
}
