// SPDX-License-Identifier: MIT
package analysis

import "fmt"

// ColumnBuilder turns frames into pixel columns: spectral transform, then
// amplitude mapping and palette lookup per bin. Bin k is written to column
// position n-1-k, so index 0 holds the highest frequency (top of screen).
//
// The builder owns its scratch spectrum and is confined to one goroutine.
type ColumnBuilder struct {
	transform *SpectralTransform
	mapper    *AmplitudeMapper
	palette   *Palette
	spectrum  []float64
}

// NewColumnBuilder wires a transform, mapper and optional palette together.
func NewColumnBuilder(transform *SpectralTransform, mapper *AmplitudeMapper, palette *Palette) *ColumnBuilder {
	return &ColumnBuilder{
		transform: transform,
		mapper:    mapper,
		palette:   palette,
		spectrum:  make([]float64, transform.Bins()),
	}
}

// Build writes the pixel column for frame into column.
func (b *ColumnBuilder) Build(frame []float64, column []uint32) error {
	n := b.transform.Bins()
	if len(column) != n {
		return fmt.Errorf("column length %d does not match %d bins", len(column), n)
	}
	if err := b.transform.Transform(frame, b.spectrum); err != nil {
		return err
	}
	for k, power := range b.spectrum {
		column[n-1-k] = b.palette.Colour(b.mapper.Map(power))
	}
	return nil
}

// Spectrum returns the smoothed spectrum behind the last built column.
// The slice is reused by the next Build.
func (b *ColumnBuilder) Spectrum() []float64 {
	return b.spectrum
}

// Discontinuity drops the smoothing history, for use after frames were lost.
func (b *ColumnBuilder) Discontinuity() {
	b.transform.Reset()
}

// Reset starts a new session: smoothing history and running maximum are cleared.
func (b *ColumnBuilder) Reset() {
	b.transform.Reset()
	b.mapper.Reset()
}

// Mapper returns the amplitude mapper shared with renderers.
func (b *ColumnBuilder) Mapper() *AmplitudeMapper {
	return b.mapper
}

// Transform returns the underlying spectral transform.
func (b *ColumnBuilder) Transform() *SpectralTransform {
	return b.transform
}
