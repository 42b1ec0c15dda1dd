package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/klauspost/compress/gzip"
)

// Tile-compressed images are stored as binary tables with ZIMAGE = T, one row
// per tile. JSOC serves SDO/AIA segments this way with RICE_1.

const (
	quantNull = -2147483647
	quantZero = -2147483646
	nRandom   = 10000
)

var errRiceOverrun = errors.New("rice: compressed tile truncated")

var ditherRandoms = initDitherRandoms()

// initDitherRandoms builds the Park-Miller sequence used by subtractive dithering.
func initDitherRandoms() [nRandom]float32 {
	var r [nRandom]float32
	const a, m = 16807.0, 2147483647.0
	seed := 1.0
	for i := range r {
		temp := a * seed
		seed = temp - m*float64(int64(temp/m))
		r[i] = float32(seed / m)
	}
	return r
}

type tiledImage struct {
	bitpix        int
	width, height int
	tileW, tileH  int
	compression   string
	blockSize     int
	bytePix       int
	quantize      string
	dither0       int
	blank         int64
	hasBlank      bool
	bscale, bzero float64
}

func isTiledImage(hdr *fitsio.Header) bool {
	card := hdr.Get("ZIMAGE")
	if card == nil {
		return false
	}
	v, ok := card.Value.(bool)
	return ok && v
}

func newTiledImage(hdr *fitsio.Header) (*tiledImage, error) {
	if n := int(cardFloat(hdr, 0, "ZNAXIS")); n != 2 {
		return nil, fmt.Errorf("%w: tiled image has %d axes", ErrUnreadable, n)
	}
	t := &tiledImage{
		bitpix:      int(cardFloat(hdr, 0, "ZBITPIX")),
		width:       int(cardFloat(hdr, 0, "ZNAXIS1")),
		height:      int(cardFloat(hdr, 0, "ZNAXIS2")),
		compression: strings.ToUpper(cardString(hdr, "ZCMPTYPE")),
		blockSize:   32,
		bytePix:     4,
		quantize:    strings.ToUpper(cardString(hdr, "ZQUANTIZ")),
		dither0:     int(cardFloat(hdr, 1, "ZDITHER0")),
		bscale:      cardFloat(hdr, 1, "BSCALE"),
		bzero:       cardFloat(hdr, 0, "BZERO"),
	}
	if t.width <= 0 || t.height <= 0 {
		return nil, fmt.Errorf("%w: tiled image size %dx%d", ErrUnreadable, t.width, t.height)
	}
	t.tileW = int(cardFloat(hdr, float64(t.width), "ZTILE1"))
	t.tileH = int(cardFloat(hdr, 1, "ZTILE2"))
	if t.tileW <= 0 || t.tileH <= 0 {
		return nil, fmt.Errorf("%w: tile size %dx%d", ErrUnreadable, t.tileW, t.tileH)
	}
	for i := 1; ; i++ {
		name := cardString(hdr, fmt.Sprintf("ZNAME%d", i))
		if name == "" {
			break
		}
		val := int(cardFloat(hdr, 0, fmt.Sprintf("ZVAL%d", i)))
		switch strings.ToUpper(name) {
		case "BLOCKSIZE":
			t.blockSize = val
		case "BYTEPIX":
			t.bytePix = val
		}
	}
	if card := hdr.Get("ZBLANK"); card != nil {
		t.blank, t.hasBlank = int64(cardFloat(hdr, 0, "ZBLANK")), true
	} else if card := hdr.Get("BLANK"); card != nil && t.bitpix > 0 {
		t.blank, t.hasBlank = int64(cardFloat(hdr, 0, "BLANK")), true
	}
	switch t.compression {
	case "RICE_1", "RICE_ONE", "GZIP_1", "GZIP_2", "NOCOMPRESS":
	default:
		return nil, fmt.Errorf("%w: unsupported tile compression %q", ErrUnreadable, t.compression)
	}
	return t, nil
}

func decodeTiled(tbl *fitsio.Table) (Frame, error) {
	hdr := tbl.Header()
	t, err := newTiledImage(hdr)
	if err != nil {
		return Frame{}, err
	}
	tilesX := (t.width + t.tileW - 1) / t.tileW
	tilesY := (t.height + t.tileH - 1) / t.tileH
	if tbl.NumRows() != int64(tilesX*tilesY) {
		return Frame{}, fmt.Errorf("%w: expected %d tiles, table has %d rows", ErrUnreadable, tilesX*tilesY, tbl.NumRows())
	}

	var cols []string
	for _, name := range []string{"COMPRESSED_DATA", "GZIP_COMPRESSED_DATA", "UNCOMPRESSED_DATA", "ZSCALE", "ZZERO", "ZBLANK"} {
		if tbl.Index(name) >= 0 {
			cols = append(cols, name)
		}
	}
	if len(cols) == 0 {
		return Frame{}, fmt.Errorf("%w: tiled image without data columns", ErrUnreadable)
	}

	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer rows.Close()

	grid := NewGrid(t.width, t.height)
	tile := 0
	for rows.Next() {
		row := make(map[string]interface{}, len(cols))
		for _, c := range cols {
			row[c] = nil
		}
		if err := rows.Scan(&row); err != nil {
			return Frame{}, fmt.Errorf("%w: tile %d: %v", ErrUnreadable, tile, err)
		}
		x0 := (tile % tilesX) * t.tileW
		y0 := (tile / tilesX) * t.tileH
		tw := min(t.tileW, t.width-x0)
		th := min(t.tileH, t.height-y0)
		vals, err := t.decodeTile(tile, row, tw*th)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: tile %d: %v", ErrUnreadable, tile, err)
		}
		for j := 0; j < th; j++ {
			copy(grid.Data[(y0+j)*t.width+x0:(y0+j)*t.width+x0+tw], vals[j*tw:(j+1)*tw])
		}
		tile++
	}
	if tile != tilesX*tilesY {
		return Frame{}, fmt.Errorf("%w: read %d of %d tiles", ErrUnreadable, tile, tilesX*tilesY)
	}

	fr := Frame{Grid: grid}
	applyHeader(&fr, hdr)
	return fr, nil
}

func (t *tiledImage) decodeTile(tile int, row map[string]interface{}, n int) ([]float32, error) {
	scale, hasScale := row["ZSCALE"].(float64)
	zero, _ := row["ZZERO"].(float64)
	quantized := t.bitpix < 0 && hasScale && t.quantize != "NONE"

	blank, hasBlank := t.blank, t.hasBlank
	if v, ok := rowInt(row["ZBLANK"]); ok {
		blank, hasBlank = v, true
	}
	if quantized && !hasBlank {
		blank, hasBlank = quantNull, true
	}

	if data, _ := row["COMPRESSED_DATA"].([]byte); len(data) > 0 {
		raw, err := t.decompress(data, n, quantized)
		if err != nil {
			return nil, err
		}
		out := make([]float32, n)
		switch {
		case quantized:
			t.dequantize(tile, raw, out, scale, zero, blank, hasBlank)
		case t.bitpix > 0:
			for i, v := range raw {
				if hasBlank && int64(v) == blank {
					out[i] = float32(math.NaN())
					continue
				}
				out[i] = float32(v*t.bscale + t.bzero)
			}
		default:
			for i, v := range raw {
				out[i] = float32(v*t.bscale + t.bzero)
			}
		}
		return out, nil
	}

	if data, _ := row["GZIP_COMPRESSED_DATA"].([]byte); len(data) > 0 {
		plain, err := gunzip(data)
		if err != nil {
			return nil, err
		}
		raw, err := bigEndianValues(plain, t.bitpix, n)
		if err != nil {
			return nil, err
		}
		out := make([]float32, n)
		for i, v := range raw {
			out[i] = float32(v)
		}
		return out, nil
	}

	if raw, ok := numericSlice(row["UNCOMPRESSED_DATA"]); ok && len(raw) == n {
		out := make([]float32, n)
		for i, v := range raw {
			out[i] = float32(v)
		}
		return out, nil
	}
	return nil, errors.New("tile has no data")
}

// decompress returns the stored samples of one tile, before scaling.
func (t *tiledImage) decompress(data []byte, n int, quantized bool) ([]float64, error) {
	width := t.bitpix
	if quantized {
		width = 32
	}

	switch t.compression {
	case "RICE_1", "RICE_ONE":
		if t.bitpix < 0 && !quantized {
			return nil, errors.New("rice tiles must hold integers")
		}
		ints, err := riceDecode(data, n, t.blockSize, t.bytePix)
		if err != nil {
			return nil, err
		}
		out := make([]float64, n)
		for i, v := range ints {
			out[i] = float64(v)
		}
		return out, nil
	case "GZIP_1", "GZIP_2":
		plain, err := gunzip(data)
		if err != nil {
			return nil, err
		}
		if t.compression == "GZIP_2" {
			plain = unshuffle(plain, abs(width)/8)
		}
		return bigEndianValues(plain, width, n)
	default:
		return bigEndianValues(data, width, n)
	}
}

func (t *tiledImage) dequantize(tile int, raw []float64, out []float32, scale, zero float64, blank int64, hasBlank bool) {
	dither := strings.HasPrefix(t.quantize, "SUBTRACTIVE_DITHER")
	keepZero := t.quantize == "SUBTRACTIVE_DITHER_2"

	iseed := (tile + t.dither0 - 1) % nRandom
	if iseed < 0 {
		iseed += nRandom
	}
	next := int(ditherRandoms[iseed] * 500)
	for i, v := range raw {
		q := int64(v)
		switch {
		case hasBlank && q == blank:
			out[i] = float32(math.NaN())
		case keepZero && q == quantZero:
			out[i] = 0
		case dither:
			out[i] = float32((v-float64(ditherRandoms[next])+0.5)*scale + zero)
		default:
			out[i] = float32(v*scale + zero)
		}
		if !dither {
			continue
		}
		next++
		if next == nRandom {
			iseed++
			if iseed == nRandom {
				iseed = 0
			}
			next = int(ditherRandoms[iseed] * 500)
		}
	}
}

// riceDecode expands n Rice-coded samples of bytePix bytes each.
func riceDecode(c []byte, n, blockSize, bytePix int) ([]int64, error) {
	var fsBits, fsMax, bBits int
	switch bytePix {
	case 1:
		fsBits, fsMax, bBits = 3, 6, 8
	case 2:
		fsBits, fsMax, bBits = 4, 14, 16
	case 4:
		fsBits, fsMax, bBits = 5, 25, 32
	default:
		return nil, fmt.Errorf("rice: unsupported bytepix %d", bytePix)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("rice: invalid block size %d", blockSize)
	}
	if len(c) < bytePix+1 {
		return nil, errRiceOverrun
	}

	widen := func(v uint32) int64 {
		switch bytePix {
		case 1:
			return int64(uint8(v))
		case 2:
			return int64(int16(uint16(v)))
		}
		return int64(int32(v))
	}

	var lastpix uint32
	for i := 0; i < bytePix; i++ {
		lastpix = lastpix<<8 | uint32(c[i])
	}
	pos := bytePix
	var overrun bool
	next := func() uint32 {
		if pos >= len(c) {
			overrun = true
			return 0
		}
		v := uint32(c[pos])
		pos++
		return v
	}

	b := next()
	nbits := 8
	out := make([]int64, n)
	for i := 0; i < n; {
		imax := min(i+blockSize, n)

		nbits -= fsBits
		for nbits < 0 {
			b = b<<8 | next()
			nbits += 8
		}
		fs := int(b>>uint(nbits)) - 1
		b &= 1<<uint(nbits) - 1

		switch {
		case fs < 0:
			for ; i < imax; i++ {
				out[i] = widen(lastpix)
			}
		case fs == fsMax:
			for ; i < imax; i++ {
				k := bBits - nbits
				diff := b << uint(k)
				for k -= 8; k >= 0; k -= 8 {
					diff |= next() << uint(k)
				}
				if nbits > 0 {
					v := next()
					diff |= v >> uint(-k)
					b = v & (1<<uint(nbits) - 1)
				} else {
					b = 0
				}
				lastpix = unzigzag(diff, lastpix)
				out[i] = widen(lastpix)
			}
		default:
			for ; i < imax; i++ {
				for b == 0 {
					if overrun {
						return nil, errRiceOverrun
					}
					nbits += 8
					b = next()
				}
				nzero := nbits - bits.Len32(b)
				nbits -= nzero + 1
				b ^= 1 << uint(nbits)
				nbits -= fs
				for nbits < 0 {
					b = b<<8 | next()
					nbits += 8
				}
				diff := uint32(nzero)<<uint(fs) | b>>uint(nbits)
				b &= 1<<uint(nbits) - 1
				lastpix = unzigzag(diff, lastpix)
				out[i] = widen(lastpix)
			}
		}
		if overrun {
			return nil, errRiceOverrun
		}
	}
	return out, nil
}

func unzigzag(diff, last uint32) uint32 {
	if diff&1 == 0 {
		diff >>= 1
	} else {
		diff = ^(diff >> 1)
	}
	return last + diff
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// unshuffle reverses GZIP_2 byte shuffling: all first bytes, then all second bytes.
func unshuffle(p []byte, width int) []byte {
	if width <= 1 || len(p)%width != 0 {
		return p
	}
	n := len(p) / width
	out := make([]byte, len(p))
	for i := 0; i < n; i++ {
		for j := 0; j < width; j++ {
			out[i*width+j] = p[j*n+i]
		}
	}
	return out
}

func bigEndianValues(p []byte, bitpix, n int) ([]float64, error) {
	size := abs(bitpix) / 8
	if size == 0 || len(p) < n*size {
		return nil, fmt.Errorf("tile holds %d bytes, need %d", len(p), n*size)
	}
	out := make([]float64, n)
	for i := range out {
		s := p[i*size : (i+1)*size]
		switch bitpix {
		case 8:
			out[i] = float64(s[0])
		case 16:
			out[i] = float64(int16(binary.BigEndian.Uint16(s)))
		case 32:
			out[i] = float64(int32(binary.BigEndian.Uint32(s)))
		case 64:
			out[i] = float64(int64(binary.BigEndian.Uint64(s)))
		case -32:
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(s)))
		case -64:
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(s))
		default:
			return nil, fmt.Errorf("unsupported bitpix %d", bitpix)
		}
	}
	return out, nil
}

func numericSlice(v interface{}) ([]float64, bool) {
	var out []float64
	switch s := v.(type) {
	case []int16:
		for _, x := range s {
			out = append(out, float64(x))
		}
	case []int32:
		for _, x := range s {
			out = append(out, float64(x))
		}
	case []float32:
		for _, x := range s {
			out = append(out, float64(x))
		}
	case []float64:
		out = append(out, s...)
	default:
		return nil, false
	}
	return out, true
}

func rowInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	}
	return 0, false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
