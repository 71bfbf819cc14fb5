// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/dsp/window"
)

// WindowFunc defines the type for selecting an analysis window function.
type WindowFunc int

// Enum for available window functions. RaisedCosine is the spectrogram's
// native taper; the others come from gonum's dsp/window package.
const (
	RaisedCosine WindowFunc = iota
	BartlettHann
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
)

var windowNames = map[WindowFunc]string{
	RaisedCosine:    "RaisedCosine",
	BartlettHann:    "BartlettHann",
	Blackman:        "Blackman",
	BlackmanNuttall: "BlackmanNuttall",
	Hann:            "Hann",
	Hamming:         "Hamming",
	Lanczos:         "Lanczos",
	Nuttall:         "Nuttall",
}

func (w WindowFunc) String() string {
	if name, ok := windowNames[w]; ok {
		return name
	}
	return fmt.Sprintf("WindowFunc(%d)", int(w))
}

// ParseWindowFunc converts a string name (case-insensitive) to a WindowFunc
// enum, returns the default (RaisedCosine) and an error if the name is unknown.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(name) {
	case "", "raisedcosine", "raised-cosine", "spectrogram":
		return RaisedCosine, nil
	case "bartletthann":
		return BartlettHann, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	case "hann", "hanning":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "lanczos":
		return Lanczos, nil
	case "nuttall":
		return Nuttall, nil
	default:
		return RaisedCosine, fmt.Errorf("unknown window function name: '%s'", name)
	}
}

// WindowCoefficients returns n coefficients of the selected window.
func WindowCoefficients(n int, windowType WindowFunc) []float64 {
	coeffs := make([]float64, n)
	applyWindow(coeffs, windowType)
	return coeffs
}

// applyWindow fills coeffs with the selected window. The gonum windows
// multiply in place, so the slice starts out as all ones.
func applyWindow(coeffs []float64, windowType WindowFunc) {
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	switch windowType {
	case RaisedCosine:
		raisedCosine(coeffs)
	case BartlettHann:
		window.BartlettHann(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Hann:
		window.Hann(coeffs)
	case Hamming:
		window.Hamming(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	default:
		raisedCosine(coeffs)
	}
}

// raisedCosine writes 0.5 + 0.5·cos(x·π/(m+1)) with m = n/2, where x is the
// offset of each sample from the centre of the frame. Centring on (n-1)/2
// keeps w[i] == w[n-1-i], and the m+1 denominator keeps both edges above zero.
func raisedCosine(coeffs []float64) {
	n := len(coeffs)
	if n == 0 {
		return
	}
	m := n / 2
	r := math.Pi / float64(m+1)
	centre := float64(n-1) / 2
	for j := range coeffs {
		coeffs[j] = 0.5 + 0.5*math.Cos((float64(j)-centre)*r)
	}
}
