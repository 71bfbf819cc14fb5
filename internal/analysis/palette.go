// SPDX-License-Identifier: MIT
package analysis

import "fmt"

// PaletteSize is the number of entries in a colour palette.
const PaletteSize = MaxColourIndex + 1

// Palette is a 256-entry colour lookup table indexed by AmplitudeMapper
// output. Entries are opaque to the engine; renderers usually store ARGB.
type Palette [PaletteSize]uint32

// NewPalette builds a palette from exactly PaletteSize values.
func NewPalette(values []uint32) (*Palette, error) {
	if len(values) != PaletteSize {
		return nil, fmt.Errorf("palette must have %d entries, got %d", PaletteSize, len(values))
	}
	var p Palette
	copy(p[:], values)
	return &p, nil
}

// Colour looks up index. A nil palette returns the index itself, leaving
// colouring to the renderer.
func (p *Palette) Colour(index uint8) uint32 {
	if p == nil {
		return uint32(index)
	}
	return p[index]
}
