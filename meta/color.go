package meta

import (
	"fmt"
	"math/rand"
)

// Palette hands out random colors, never repeating one it already gave.
type Palette struct {
	rng  *rand.Rand
	used map[[3]uint8]struct{}
}

func NewPalette(rng *rand.Rand) *Palette {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Palette{rng: rng, used: make(map[[3]uint8]struct{})}
}

func (p *Palette) Next() string {
	for {
		rgb := [3]uint8{uint8(p.rng.Intn(256)), uint8(p.rng.Intn(256)), uint8(p.rng.Intn(256))}
		if _, taken := p.used[rgb]; taken {
			continue
		}
		p.used[rgb] = struct{}{}
		return Hex(rgb)
	}
}

func Hex(rgb [3]uint8) string {
	return fmt.Sprintf("#%02X%02X%02X", rgb[0], rgb[1], rgb[2])
}

// ParseHex is the inverse of Hex.
func ParseHex(s string) ([3]uint8, error) {
	var rgb [3]uint8
	if _, err := fmt.Sscanf(s, "#%2x%2x%2x", &rgb[0], &rgb[1], &rgb[2]); err != nil {
		return rgb, fmt.Errorf("bad color %q: %w", s, err)
	}
	return rgb, nil
}
