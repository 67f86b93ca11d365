// Package keyspace canonicalises tile requests into cache keys and
// storage paths. It holds no state: every function is pure over its
// arguments and a read-only VisParamChecker.
package keyspace

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lapig-ufg/tiles/internal/apperr"
)

// Period is the temporal-compositing window a mosaic was built over.
type Period string

const (
	PeriodWet   Period = "WET"
	PeriodDry   Period = "DRY"
	PeriodMonth Period = "MONTH"
)

func (p Period) valid() bool {
	switch p {
	case PeriodWet, PeriodDry, PeriodMonth:
		return true
	}
	return false
}

// MinZoom and MaxZoom bound the accepted XYZ zoom levels (§3).
const (
	MinZoom = 6
	MaxZoom = 18
)

// layerYearFloor gives the earliest year each known layer's imagery
// archive covers (§3: "S2 >= 2017, Landsat >= 1985").
var layerYearFloor = map[string]int{
	"s2_harmonized": 2017,
	"landsat":       1985,
}

// KnownLayer reports whether layer is one this deployment understands.
func KnownLayer(layer string) bool {
	_, ok := layerYearFloor[layer]
	return ok
}

// VisParamChecker is the read-only subset of VisParamRegistry that
// KeySpace needs to validate a request. Defined here, rather than
// importing the visparam package, to keep KeySpace dependency-free.
type VisParamChecker interface {
	// Exists reports whether name is a known, active visparam.
	Exists(name string) bool
	// IsCompatible reports whether name may be used with layer.
	IsCompatible(layer, name string) bool
}

// TileRequest is what the hot path consumes before canonicalisation.
type TileRequest struct {
	Layer    string
	Z, X, Y  int
	Period   string
	Year     int
	Month    int // 0 means "absent"; valid only when Period == MONTH
	VisParam string
}

// MosaicKey identifies the mosaic a set of tiles at different z/x/y share.
type MosaicKey struct {
	Layer    string
	Period   Period
	Year     int
	Month    int // 0 means absent
	VisParam string
}

// String returns the canonical, fixed-field serialisation used as the
// MetaStore key suffix (e.g. "s2_harmonized|WET|2023|tvi-red" or
// "landsat|MONTH|2024|07|landsat-tvi-false").
func (k MosaicKey) String() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(k.Layer))
	b.WriteByte('|')
	b.WriteString(string(k.Period))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(k.Year))
	if k.Period == PeriodMonth {
		b.WriteByte('|')
		fmt.Fprintf(&b, "%02d", k.Month)
	}
	b.WriteByte('|')
	b.WriteString(strings.ToLower(k.VisParam))
	return b.String()
}

// TileKey is a MosaicKey plus the (z,x,y) of one tile within that mosaic.
type TileKey struct {
	Mosaic  MosaicKey
	Z, X, Y int
}

// String returns the canonical tile-key serialisation (MosaicKey string
// plus "|z|x|y").
func (k TileKey) String() string {
	return fmt.Sprintf("%s|%d|%d|%d", k.Mosaic.String(), k.Z, k.X, k.Y)
}

// Canonicalise validates req against the XYZ/layer/period/visparam
// invariants of spec §3-4.1 and returns its canonical TileKey.
//
// Validation failures that are structurally malformed (bad range, bad
// enum, month-without-MONTH) are BadRequest. Failures that depend on a
// catalogue lookup (unknown layer, unknown/incompatible visparam, year
// outside the layer's archive) are NotFound, matching §4.1's split.
func Canonicalise(req TileRequest, checker VisParamChecker) (TileKey, error) {
	if req.Z < MinZoom || req.Z > MaxZoom {
		return TileKey{}, apperr.Newf(apperr.BadRequest, "zoom %d out of range [%d,%d]", req.Z, MinZoom, MaxZoom)
	}
	span := int64(1) << uint(req.Z)
	if req.X < 0 || int64(req.X) >= span || req.Y < 0 || int64(req.Y) >= span {
		return TileKey{}, apperr.Newf(apperr.BadRequest, "tile column/row %d,%d out of range for zoom %d", req.X, req.Y, req.Z)
	}

	period := Period(strings.ToUpper(req.Period))
	if !period.valid() {
		return TileKey{}, apperr.Newf(apperr.BadRequest, "unknown period %q", req.Period)
	}
	if period == PeriodMonth {
		if req.Month < 1 || req.Month > 12 {
			return TileKey{}, apperr.Newf(apperr.BadRequest, "month %d required in [1,12] when period=MONTH", req.Month)
		}
	} else if req.Month != 0 {
		return TileKey{}, apperr.Newf(apperr.BadRequest, "month must be absent unless period=MONTH")
	}

	layer := strings.ToLower(req.Layer)
	floor, known := layerYearFloor[layer]
	if !known {
		return TileKey{}, apperr.Newf(apperr.NotFound, "unknown layer %q", req.Layer)
	}
	if req.Year < floor {
		return TileKey{}, apperr.Newf(apperr.NotFound, "year %d precedes %s archive floor %d", req.Year, layer, floor)
	}

	if req.VisParam == "" {
		return TileKey{}, apperr.Newf(apperr.BadRequest, "visparam is required")
	}
	visparam := strings.ToLower(req.VisParam)
	if checker != nil {
		if !checker.Exists(visparam) {
			return TileKey{}, apperr.Newf(apperr.NotFound, "unknown or inactive visparam %q", req.VisParam)
		}
		if !checker.IsCompatible(layer, visparam) {
			return TileKey{}, apperr.Newf(apperr.NotFound, "visparam %q is not compatible with layer %q", req.VisParam, req.Layer)
		}
	}

	return TileKey{
		Mosaic: MosaicKey{
			Layer:    layer,
			Period:   period,
			Year:     req.Year,
			Month:    req.Month,
			VisParam: visparam,
		},
		Z: req.Z, X: req.X, Y: req.Y,
	}, nil
}

// MosaicOf returns the MosaicKey that a TileKey belongs to.
func MosaicOf(k TileKey) MosaicKey { return k.Mosaic }

// BlobPath returns the BlobStore object path for k, per §3's layout:
// tiles/<layer>/<period>/<year>[/<month>]/<visparam>/<z>/<x>/<y>.png
func BlobPath(k TileKey) string {
	m := k.Mosaic
	parts := []string{"tiles", m.Layer, string(m.Period), strconv.Itoa(m.Year)}
	if m.Period == PeriodMonth {
		parts = append(parts, fmt.Sprintf("%02d", m.Month))
	}
	parts = append(parts, m.VisParam, strconv.Itoa(k.Z), strconv.Itoa(k.X), fmt.Sprintf("%d.png", k.Y))
	return strings.Join(parts, "/")
}

// ParseBlobPath inverts BlobPath. It is the round-trip partner used by
// admin invalidation (which only has a path prefix) and by tests.
func ParseBlobPath(path string) (TileKey, bool) {
	parts := strings.Split(path, "/")
	if len(parts) < 7 || parts[0] != "tiles" {
		return TileKey{}, false
	}
	parts = parts[1:]

	layer := parts[0]
	period := Period(parts[1])
	if !period.valid() {
		return TileKey{}, false
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return TileKey{}, false
	}
	rest := parts[3:]

	month := 0
	if period == PeriodMonth {
		if len(rest) < 1 {
			return TileKey{}, false
		}
		month, err = strconv.Atoi(rest[0])
		if err != nil {
			return TileKey{}, false
		}
		rest = rest[1:]
	}
	if len(rest) != 4 {
		return TileKey{}, false
	}
	visparam := rest[0]
	z, err1 := strconv.Atoi(rest[1])
	x, err2 := strconv.Atoi(rest[2])
	yStr := strings.TrimSuffix(rest[3], ".png")
	y, err3 := strconv.Atoi(yStr)
	if err1 != nil || err2 != nil || err3 != nil {
		return TileKey{}, false
	}

	return TileKey{
		Mosaic: MosaicKey{
			Layer:    layer,
			Period:   period,
			Year:     year,
			Month:    month,
			VisParam: visparam,
		},
		Z: z, X: x, Y: y,
	}, true
}

// InvalidationPrefixes returns the BlobStore path prefixes covering every
// tile for (layer, year), used by admin cache-clear (§4.11, scenario 4).
// Because the object layout places <period> before <year>, a layer+year
// filter spans all three period prefixes.
func InvalidationPrefixes(layer string, year int) []string {
	layer = strings.ToLower(layer)
	periods := []Period{PeriodWet, PeriodDry, PeriodMonth}
	prefixes := make([]string, 0, len(periods))
	for _, p := range periods {
		prefixes = append(prefixes, fmt.Sprintf("tiles/%s/%s/%d/", layer, p, year))
	}
	return prefixes
}

// LocalCachePrefixes returns the LocalCache key prefixes covering every
// tile for (layer, year), the TileKey.String()-layout counterpart to
// InvalidationPrefixes used to keep the in-process LRU consistent with a
// BlobStore cache-clear (§4.11, scenario 4).
func LocalCachePrefixes(layer string, year int) []string {
	layer = strings.ToLower(layer)
	periods := []Period{PeriodWet, PeriodDry, PeriodMonth}
	prefixes := make([]string, 0, len(periods))
	for _, p := range periods {
		prefixes = append(prefixes, fmt.Sprintf("%s|%s|%d|", layer, p, year))
	}
	return prefixes
}

// MosaicMetaKey returns the MetaStore key under which a MosaicHandle is
// stored, per §6: "mosaic:<canonical-mosaic-key>".
func MosaicMetaKey(k MosaicKey) string { return "mosaic:" + k.String() }

// CoalesceMetaKey returns the MetaStore key used as the single-flight
// election marker for k, per §6: "coalesce:<canonical-mosaic-key>".
func CoalesceMetaKey(k MosaicKey) string { return "coalesce:" + k.String() }

// FailedMetaKey returns the MetaStore key marking k as having failed its
// most recent build attempt, held for the cool-down TTL before another
// build is attempted.
func FailedMetaKey(k MosaicKey) string { return "failed:" + k.String() }

// BucketMetaKey returns the MetaStore key for an identity's rate-limit
// token bucket, per §6: "bucket:<identity>".
func BucketMetaKey(identity string) string { return "bucket:" + identity }

// JobMetaKey returns the MetaStore key for a JobRecord, per §6: "job:<id>".
func JobMetaKey(id string) string { return "job:" + id }
