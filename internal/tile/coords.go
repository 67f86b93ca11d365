// Package tile provides the XYZ tile-coordinate geometry JobEngine needs
// to enumerate warm-point/warm-region targets: point-to-tile and
// bbox-to-tile conversion over paulmach/orb's maptile package. Adapted
// from the teacher's internal/tile/coords.go, trimmed of the
// Mercator-projection helpers (BoundsMercator, CenterMercator,
// lonLatToMercator/mercatorToLonLat) and the TileRange/ForEach/
// TileRangeFromBounds API: this domain has no rendering step that needs
// a projected bounding box, and TilesInBBox/PointToTiles already cover
// every enumeration JobEngine performs.
package tile

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Coords is a tile coordinate in the XYZ/slippy-map tile system.
type Coords struct {
	Z uint32
	X uint32
	Y uint32
}

// String returns the tile coordinate as "z{zoom}_x{x}_y{y}".
func (c Coords) String() string {
	return fmt.Sprintf("z%d_x%d_y%d", c.Z, c.X, c.Y)
}

// Path returns the file path for this tile with the given extension.
func (c Coords) Path(extension string) string {
	return fmt.Sprintf("%s.%s", c.String(), extension)
}

// Tile returns the maptile.Tile for this coordinate.
func (c Coords) Tile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// Bounds returns the geographic bounding box for this tile in WGS84:
// [minLon, minLat, maxLon, maxLat].
func (c Coords) Bounds() [4]float64 {
	bound := c.Tile().Bound()
	return [4]float64{bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat()}
}

// Center returns the center point of the tile in WGS84 (lon, lat).
func (c Coords) Center() (float64, float64) {
	bounds := c.Bounds()
	return (bounds[0] + bounds[2]) / 2.0, (bounds[1] + bounds[3]) / 2.0
}

// NewCoords builds a Coords from zoom, x, y values.
func NewCoords(z, x, y uint32) Coords {
	return Coords{Z: z, X: x, Y: y}
}

// ParseCoords parses a tile string like "z13_x4297_y2754" into Coords.
func ParseCoords(s string) (Coords, error) {
	var c Coords
	if _, err := fmt.Sscanf(s, "z%d_x%d_y%d", &c.Z, &c.X, &c.Y); err != nil {
		return c, fmt.Errorf("invalid tile coordinate format: %s", s)
	}
	return c, nil
}

// PointToTiles returns the tile covering (lon, lat) at each requested zoom,
// used by warm-point (§4.10): "enumerates the (x,y) tiles whose bounding
// boxes contain the point at each zoom".
func PointToTiles(lon, lat float64, zooms []int) []Coords {
	point := orb.Point{lon, lat}
	coords := make([]Coords, 0, len(zooms))
	for _, z := range zooms {
		t := maptile.At(point, maptile.Zoom(z))
		coords = append(coords, NewCoords(uint32(z), t.X, t.Y))
	}
	return coords
}

// TilesInBBox returns every tile coordinate within bbox
// ([minLon, minLat, maxLon, maxLat] in WGS84) across a zoom range,
// computing X/Y independently at each zoom (§4.10 warm-region: "tile
// enumeration via XYZ math over the bounding box at each zoom").
func TilesInBBox(bbox [4]float64, zoomMin, zoomMax int) []Coords {
	tiles := make([]Coords, 0, TileCount(bbox, zoomMin, zoomMax))
	minPoint := orb.Point{bbox[0], bbox[1]}
	maxPoint := orb.Point{bbox[2], bbox[3]}

	for z := zoomMin; z <= zoomMax; z++ {
		zoom := maptile.Zoom(z)
		minTile := maptile.At(minPoint, zoom)
		maxTile := maptile.At(maxPoint, zoom)

		minX, maxX := minTile.X, maxTile.X
		if minX > maxX {
			minX, maxX = maxX, minX
		}
		minY, maxY := minTile.Y, maxTile.Y
		if minY > maxY {
			minY, maxY = maxY, minY
		}

		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				tiles = append(tiles, NewCoords(uint32(z), x, y))
			}
		}
	}
	return tiles
}

// TileCount returns the number of tiles TilesInBBox would return, for
// progress estimation without allocating the full tile list.
func TileCount(bbox [4]float64, zoomMin, zoomMax int) int {
	minPoint := orb.Point{bbox[0], bbox[1]}
	maxPoint := orb.Point{bbox[2], bbox[3]}

	count := 0
	for z := zoomMin; z <= zoomMax; z++ {
		zoom := maptile.Zoom(z)
		minTile := maptile.At(minPoint, zoom)
		maxTile := maptile.At(maxPoint, zoom)

		minX, maxX := minTile.X, maxTile.X
		if minX > maxX {
			minX, maxX = maxX, minX
		}
		minY, maxY := minTile.Y, maxTile.Y
		if minY > maxY {
			minY, maxY = maxY, minY
		}
		count += int(maxX-minX+1) * int(maxY-minY+1)
	}
	return count
}
