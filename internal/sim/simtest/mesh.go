package simtest

import "channelfit/pkg/grid"

// DetectorMesh builds an empty pattern whose meshes cover
// [-halfRange, halfRange] in both axes, the shape detector grids come in.
func DetectorMesh(width, height int, halfRange float64) *grid.Pattern {
	n := width * height
	x := make([]float64, n)
	y := make([]float64, n)
	data := make([]float64, n)
	for iy := 0; iy < height; iy++ {
		for ix := 0; ix < width; ix++ {
			i := iy*width + ix
			x[i] = -halfRange + 2*halfRange*float64(ix)/float64(width-1)
			y[i] = -halfRange + 2*halfRange*float64(iy)/float64(height-1)
		}
	}
	p, err := grid.New(width, height, data, nil, x, y)
	if err != nil {
		panic(err) // sizes are constructed consistently above
	}
	return p
}
