package gallery

import (
	"io"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// ExifData holds the EXIF fields relevant to display copies.
type ExifData struct {
	Orientation int
	DateTaken   *time.Time
	Width       int
	Height      int
}

// ExtractExif reads EXIF data from an image reader.
// Missing or unreadable EXIF yields orientation 1, not an error.
func ExtractExif(r io.Reader) *ExifData {
	d := &ExifData{Orientation: 1}

	x, err := exif.Decode(r)
	if err != nil {
		return d
	}

	if dt, err := x.DateTime(); err == nil {
		d.DateTaken = &dt
	}

	if orient, err := x.Get(exif.Orientation); err == nil {
		if v, err := orient.Int(0); err == nil && v >= 1 && v <= 8 {
			d.Orientation = v
		}
	}

	if pw, err := x.Get(exif.PixelXDimension); err == nil {
		if v, err := pw.Int(0); err == nil {
			d.Width = v
		}
	}
	if ph, err := x.Get(exif.PixelYDimension); err == nil {
		if v, err := ph.Int(0); err == nil {
			d.Height = v
		}
	}

	return d
}

// ReadOrientation returns the EXIF orientation (1-8) of an image.
func ReadOrientation(r io.Reader) int {
	return ExtractExif(r).Orientation
}
