package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/klauspost/compress/gzip"
)

// ErrUnreadable marks input that is not a decodable 2-D FITS image.
var ErrUnreadable = errors.New("unreadable image file")

var gzipMagic = []byte{0x1f, 0x8b}

var timeLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006.01.02_15:04:05.999999999_TAI",
	"2006.01.02_15:04:05_TAI",
	"2006-01-02",
}

// DecodeFile reads the first 2-D image in the FITS file at path.
func DecodeFile(path string) (Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	fr, err := Decode(f)
	if err != nil {
		return Frame{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	fr.Path = path
	return fr, nil
}

// Decode reads the first 2-D image HDU from r, plain or tile-compressed.
// Gzip-wrapped input is accepted.
func Decode(r io.Reader) (fr Frame, err error) {
	// fitsio panics on some malformed headers and heap descriptors.
	defer func() {
		if p := recover(); p != nil {
			fr, err = Frame{}, fmt.Errorf("%w: %v", ErrUnreadable, p)
		}
	}()

	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(len(gzipMagic)); err == nil && bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		defer zr.Close()
		src = zr
	}

	f, err := fitsio.Open(src)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	for _, hdu := range f.HDUs() {
		switch hdu := hdu.(type) {
		case *fitsio.Table:
			if isTiledImage(hdu.Header()) {
				return decodeTiled(hdu)
			}
		case fitsio.Image:
			hdr := hdu.Header()
			axes := hdr.Axes()
			if len(axes) != 2 || axes[0] <= 0 || axes[1] <= 0 {
				continue
			}
			width, height := axes[0], axes[1]

			raw, err := readPixels(hdu, hdr.Bitpix(), width*height)
			if err != nil {
				return Frame{}, fmt.Errorf("%w: read pixels: %v", ErrUnreadable, err)
			}

			bscale := cardFloat(hdr, 1, "BSCALE")
			bzero := cardFloat(hdr, 0, "BZERO")
			blankCard := hdr.Get("BLANK")
			blank := cardFloat(hdr, 0, "BLANK")
			grid := NewGrid(width, height)
			for i, v := range raw {
				if blankCard != nil && hdr.Bitpix() > 0 && v == blank {
					grid.Data[i] = float32(math.NaN())
					continue
				}
				grid.Data[i] = float32(v*bscale + bzero)
			}

			out := Frame{Grid: grid}
			applyHeader(&out, hdr)
			return out, nil
		}
	}
	return Frame{}, fmt.Errorf("%w: no 2-D image HDU", ErrUnreadable)
}

// readPixels reads the stored samples of img, before BSCALE/BZERO. fitsio only
// reads into a slice whose element size matches BITPIX.
func readPixels(img fitsio.Image, bitpix, n int) ([]float64, error) {
	switch bitpix {
	case 8:
		return readAs[uint8](img, n)
	case 16:
		return readAs[int16](img, n)
	case 32:
		return readAs[int32](img, n)
	case 64:
		return readAs[int64](img, n)
	case -32:
		return readAs[float32](img, n)
	case -64:
		return readAs[float64](img, n)
	}
	return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
}

func readAs[T uint8 | int16 | int32 | int64 | float32 | float64](img fitsio.Image, n int) ([]float64, error) {
	raw := make([]T, n)
	if err := img.Read(&raw); err != nil {
		return nil, err
	}
	if len(raw) != n {
		return nil, fmt.Errorf("expected %d samples, got %d", n, len(raw))
	}
	out := make([]float64, n)
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}

func applyHeader(fr *Frame, hdr *fitsio.Header) {
	fr.Exposure = cardFloat(hdr, 0, "EXPTIME", "EXPOSURE")
	fr.Band = int(cardFloat(hdr, 0, "WAVELNTH"))
	fr.Instrument = cardString(hdr, "INSTRUME")
	fr.Source = cardString(hdr, "TELESCOP")
	fr.Detector = cardString(hdr, "DETECTOR")
	if fr.Band == 0 && fr.Detector != "" {
		if n, err := ParseDetector(fr.Detector); err == nil {
			fr.Band = n
		}
	}
	fr.Time = parseObsTime(cardString(hdr, "DATE-OBS", "T_OBS", "T_REC"))
	fr.Geometry = Geometry{
		ScaleX:   cardFloat(hdr, 0, "CDELT1"),
		ScaleY:   cardFloat(hdr, 0, "CDELT2"),
		RefX:     cardFloat(hdr, float64(fr.Grid.Width+1)/2, "CRPIX1") - 1,
		RefY:     cardFloat(hdr, float64(fr.Grid.Height+1)/2, "CRPIX2") - 1,
		Rotation: cardFloat(hdr, 0, "CROTA2", "CROTA"),
	}
	if v := cardString(hdr, "BUNIT"); strings.Contains(strings.ToLower(v), "/s") {
		fr.Normalized = true
	}
}

// ParseDetector converts coronagraph names like "C2" to their numeric code.
func ParseDetector(s string) (int, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimPrefix(s, "C")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid detector %q", s)
	}
	return n, nil
}

func parseObsTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func cardFloat(hdr *fitsio.Header, def float64, names ...string) float64 {
	for _, name := range names {
		card := hdr.Get(name)
		if card == nil {
			continue
		}
		switch v := card.Value.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case int32:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return def
}

func cardString(hdr *fitsio.Header, names ...string) string {
	for _, name := range names {
		card := hdr.Get(name)
		if card == nil || card.Value == nil {
			continue
		}
		if s, ok := card.Value.(string); ok {
			return strings.TrimSpace(s)
		}
		return fmt.Sprint(card.Value)
	}
	return ""
}

// EncodeFile writes fr to path as a single-HDU float32 FITS image.
// A ".gz" suffix gzip-compresses the output.
func EncodeFile(path string, fr Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeTo(f, fr, strings.HasSuffix(path, ".gz")); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes fr to w as a single-HDU BITPIX -32 FITS image.
func Encode(w io.Writer, fr Frame) error {
	return encodeTo(w, fr, false)
}

// EncodeGzip is Encode with gzip compression.
func EncodeGzip(w io.Writer, fr Frame) error {
	return encodeTo(w, fr, true)
}

func encodeTo(w io.Writer, fr Frame, compress bool) error {
	if err := fr.Grid.Valid(); err != nil {
		return err
	}
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(w)
		w = zw
	}

	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}

	img := fitsio.NewImage(-32, []int{fr.Grid.Width, fr.Grid.Height})
	defer img.Close()

	if err := img.Header().Append(headerCards(fr)...); err != nil {
		return fmt.Errorf("fits header: %w", err)
	}
	data := fr.Grid.Data
	if err := img.Write(&data); err != nil {
		return fmt.Errorf("fits pixels: %w", err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("fits write: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if zw != nil {
		return zw.Close()
	}
	return nil
}

func headerCards(fr Frame) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "EXPTIME", Value: fr.Exposure, Comment: "exposure time [s]"},
		{Name: "CDELT1", Value: fr.Geometry.ScaleX},
		{Name: "CDELT2", Value: fr.Geometry.ScaleY},
		{Name: "CRPIX1", Value: fr.Geometry.RefX + 1},
		{Name: "CRPIX2", Value: fr.Geometry.RefY + 1},
		{Name: "CROTA2", Value: fr.Geometry.Rotation},
	}
	if fr.Band != 0 {
		cards = append(cards, fitsio.Card{Name: "WAVELNTH", Value: fr.Band})
	}
	if !fr.Time.IsZero() {
		cards = append(cards, fitsio.Card{Name: "DATE-OBS", Value: fr.Time.UTC().Format("2006-01-02T15:04:05.000")})
	}
	if fr.Instrument != "" {
		cards = append(cards, fitsio.Card{Name: "INSTRUME", Value: fr.Instrument})
	}
	if fr.Source != "" {
		cards = append(cards, fitsio.Card{Name: "TELESCOP", Value: fr.Source})
	}
	if fr.Detector != "" {
		cards = append(cards, fitsio.Card{Name: "DETECTOR", Value: fr.Detector})
	}
	if fr.Normalized {
		cards = append(cards, fitsio.Card{Name: "BUNIT", Value: "DN/s"})
	}
	return cards
}
