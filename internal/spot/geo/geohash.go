package geo

import (
	"math"
	"strings"
)

// Geohash cells group nearby coordinates under a shared string prefix, which
// lets the index bucket spots and restrict a radius query to a handful of
// cells instead of the whole population. Approximate cell widths by
// precision: 4 ~39km, 5 ~5km, 6 ~1.2km, 7 ~153m.

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

var (
	base32Idx = map[byte]int{}
	neighbor  = map[string]map[byte]string{
		"n": {'e': "p0r21436x8zb9dcf5h7kjnmqesgutwvy", 'o': "bc01fg45238967deuvhjyznpkmstqrwx"},
		"s": {'e': "14365h7k9dcfesgujnmqp0r2twvyx8zb", 'o': "238967debc01fg45kmstqrwxuvhjyznp"},
		"e": {'e': "bc01fg45238967deuvhjyznpkmstqrwx", 'o': "p0r21436x8zb9dcf5h7kjnmqesgutwvy"},
		"w": {'e': "238967debc01fg45kmstqrwxuvhjyznp", 'o': "14365h7k9dcfesgujnmqp0r2twvyx8zb"},
	}
	border = map[string]map[byte]string{
		"n": {'e': "prxz", 'o': "bcfguvyz"},
		"s": {'e': "028b", 'o': "0145hjnp"},
		"e": {'e': "bcfguvyz", 'o': "prxz"},
		"w": {'e': "0145hjnp", 'o': "028b"},
	}
)

func init() {
	for i := 0; i < len(base32); i++ {
		base32Idx[base32[i]] = i
	}
}

// Encode returns the geohash of the point at the given precision (1..12).
func Encode(lat, lng float64, precision int) string {
	if precision <= 0 {
		precision = 6
	}
	if precision > 12 {
		precision = 12
	}

	minLat, maxLat := -90.0, 90.0
	minLng, maxLng := -180.0, 180.0

	var hash strings.Builder
	isEven := true
	bit := 0
	ch := 0

	for hash.Len() < precision {
		if isEven {
			mid := (minLng + maxLng) / 2
			if lng >= mid {
				ch |= 1 << (4 - bit)
				minLng = mid
			} else {
				maxLng = mid
			}
		} else {
			mid := (minLat + maxLat) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				minLat = mid
			} else {
				maxLat = mid
			}
		}
		isEven = !isEven
		bit++
		if bit == 5 {
			hash.WriteByte(base32[ch])
			bit = 0
			ch = 0
		}
	}

	return hash.String()
}

// Neighbor returns the adjacent cell in direction "n", "s", "e" or "w",
// recursing into the parent when the cell sits on its parent's border.
func Neighbor(hash, direction string) string {
	if len(hash) == 0 {
		return ""
	}

	hash = strings.ToLower(hash)
	last := hash[len(hash)-1]
	parent := hash[:len(hash)-1]

	var t byte = 'o'
	if len(hash)%2 == 0 {
		t = 'e'
	}

	if strings.IndexByte(border[direction][t], last) >= 0 && len(parent) > 0 {
		parent = Neighbor(parent, direction)
	}

	idx := strings.IndexByte(neighbor[direction][t], last)
	if idx >= 0 {
		return parent + string(base32[idx])
	}
	return hash
}

// CellsAround returns the cell containing the hash plus its 8 neighbors.
// The 3x3 grid guarantees coverage of any radius up to one cell width from
// a point anywhere inside the center cell.
func CellsAround(hash string) []string {
	n := Neighbor(hash, "n")
	s := Neighbor(hash, "s")
	return []string{
		hash,
		n,
		s,
		Neighbor(hash, "e"),
		Neighbor(hash, "w"),
		Neighbor(n, "e"),
		Neighbor(n, "w"),
		Neighbor(s, "e"),
		Neighbor(s, "w"),
	}
}

// PrecisionForRadius picks the finest precision whose cell still spans at
// least the radius in both axes, so the 3x3 grid around the center covers
// the full search circle. East-west cell width shrinks with latitude, so
// the radius is inflated by 1/cos(lat) before the lookup.
func PrecisionForRadius(radiusM, lat float64) int {
	cosLat := math.Cos(toRadians(lat))
	if cosLat < 0.1 {
		cosLat = 0.1
	}
	effective := radiusM / cosLat

	// Minimum cell dimension in meters at the equator, per precision.
	minDim := []float64{5000000, 625000, 156000, 19500, 4890, 610, 153, 19.1}
	for p := len(minDim); p >= 1; p-- {
		if minDim[p-1] >= effective {
			return p
		}
	}
	return 1
}
