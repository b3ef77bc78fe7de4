// Package geo converts between real-world feet and canvas units.
// Persisted geometry is always feet; canvas values are derived at
// presentation time and never stored.
package geo

import "errors"

var ErrInvalidScale = errors.New("scale must be greater than zero")

// ToCanvas converts a measurement in feet to canvas units for the given
// project scale (feet per canvas unit).
func ToCanvas(feet, scale float64) (float64, error) {
	if scale <= 0 {
		return 0, ErrInvalidScale
	}
	return feet / scale, nil
}

// ToFeet converts canvas units back to feet. Exact inverse of ToCanvas for
// the same scale.
func ToFeet(canvasUnits, scale float64) (float64, error) {
	if scale <= 0 {
		return 0, ErrInvalidScale
	}
	return canvasUnits * scale, nil
}
