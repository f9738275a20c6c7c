package pngstream

import "fmt"

// Row filter types, see PNG section 9.
const (
	ftNone    = 0
	ftSub     = 1
	ftUp      = 2
	ftAverage = 3
	ftPaeth   = 4
)

// unfilter reverses the filter ft on cur in place using the already reconstructed
// previous row. Sub-byte pixel depths use a filter unit of one byte.
func unfilter(ft byte, cur, prev []byte) error {
	switch ft {
	case ftNone:
	case ftSub:
		for i := 1; i < len(cur); i++ {
			cur[i] += cur[i-1]
		}
	case ftUp:
		for i := range cur {
			cur[i] += prev[i]
		}
	case ftAverage:
		cur[0] += prev[0] / 2
		for i := 1; i < len(cur); i++ {
			cur[i] += uint8((int(cur[i-1]) + int(prev[i])) / 2)
		}
	case ftPaeth:
		cur[0] += paeth(0, prev[0], 0)
		for i := 1; i < len(cur); i++ {
			cur[i] += paeth(cur[i-1], prev[i], prev[i-1])
		}
	default:
		return fmt.Errorf("unknown filter type %d", ft)
	}
	return nil
}

// paeth picks whichever of left, up or upper-left is closest to left+up-upperLeft.
func paeth(a, b, c uint8) uint8 {
	p := int(a) + int(b) - int(c)
	pa := abs(p - int(a))
	pb := abs(p - int(b))
	pc := abs(p - int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
