package model

// Metadata describes the pretrained model: its identifier, label vocabulary
// and preprocessing parameters.
type Metadata struct {
	ModelID     string
	Classes     []string
	ImageSize   int
	ImageMean   [3]float32
	ImageStd    [3]float32
	InputShape  []int64
	OutputShape []int64
}

// InputLen is the number of float32 values the model consumes per image.
func (m Metadata) InputLen() int {
	n := 1
	for _, dim := range m.InputShape {
		n *= int(dim)
	}
	return n
}

// Preprocessor returns the image transform matching this model.
func (m Metadata) Preprocessor() Preprocessor {
	return Preprocessor{Size: m.ImageSize, Mean: m.ImageMean, Std: m.ImageStd}
}

// ModelInfo is the public summary served by the API.
type ModelInfo struct {
	ModelID    string
	NumClasses int
	ImageSize  int
}
