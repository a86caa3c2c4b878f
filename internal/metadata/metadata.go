// Package metadata reads the capture details of a photo file. Every field
// is independently optional: a photo without EXIF still yields a Metadata,
// just an empty one.
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Metadata holds the fields the triage engine uses. A nil pointer means
// the file does not carry that field.
type Metadata struct {
	CaptureTime *time.Time
	Orientation int // EXIF orientation 1..8, 0 when unknown
	CameraMake  *string
	CameraModel *string
	Width       *int
	Height      *int
	Thumbnail   []byte // embedded JPEG thumbnail, nil when absent
}

// HasCaptureTime reports whether a capture timestamp is known.
func (m *Metadata) HasCaptureTime() bool {
	return m != nil && m.CaptureTime != nil
}

// Shifted returns a copy with the capture time moved by d. Metadata
// without a capture time is returned as an unchanged copy.
func (m *Metadata) Shifted(d time.Duration) *Metadata {
	if m == nil {
		return nil
	}

	out := *m

	if m.CaptureTime != nil {
		t := m.CaptureTime.Add(d)
		out.CaptureTime = &t
	}

	return &out
}

// Extractor reads metadata for one file.
type Extractor interface {
	Extract(ctx context.Context, path string) (*Metadata, error)
}

// ExifExtractor decodes EXIF with goexif.
type ExifExtractor struct {
	logger *slog.Logger
}

// NewExifExtractor creates an ExifExtractor.
func NewExifExtractor(logger *slog.Logger) *ExifExtractor {
	if logger == nil {
		logger = slog.Default()
	}

	return &ExifExtractor{logger: logger}
}

// Extract opens path and decodes its EXIF block. Files without EXIF return
// an error wrapping the decoder's; callers treat that as "no metadata".
func (e *ExifExtractor) Extract(ctx context.Context, path string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: opening %s: %w", path, err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("metadata: decoding %s: %w", path, err)
	}

	m := &Metadata{}

	if t, err := x.DateTime(); err == nil {
		m.CaptureTime = &t
	}

	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil {
			m.Orientation = v
		}
	}

	m.CameraMake = stringField(x, exif.Make)
	m.CameraModel = stringField(x, exif.Model)
	m.Width = intField(x, exif.PixelXDimension)
	m.Height = intField(x, exif.PixelYDimension)

	if thumb, err := x.JpegThumbnail(); err == nil && len(thumb) > 0 {
		m.Thumbnail = thumb
	}

	e.logger.Debug("metadata extracted",
		slog.String("path", path),
		slog.Bool("has_capture_time", m.CaptureTime != nil),
	)

	return m, nil
}

func stringField(x *exif.Exif, name exif.FieldName) *string {
	tag, err := x.Get(name)
	if err != nil {
		return nil
	}

	s, err := tag.StringVal()
	if err != nil {
		return nil
	}

	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if s == "" {
		return nil
	}

	return &s
}

func intField(x *exif.Exif, name exif.FieldName) *int {
	tag, err := x.Get(name)
	if err != nil {
		return nil
	}

	v, err := tag.Int(0)
	if err != nil {
		return nil
	}

	return &v
}
