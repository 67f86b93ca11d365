package keyspace

import (
	"math/rand"
	"testing"

	"github.com/lapig-ufg/tiles/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	known         map[string]bool
	incompatible  map[[2]string]bool
}

func (f fakeChecker) Exists(name string) bool { return f.known[name] }

func (f fakeChecker) IsCompatible(layer, name string) bool {
	return !f.incompatible[[2]string{layer, name}]
}

func validChecker() fakeChecker {
	return fakeChecker{
		known: map[string]bool{"tvi-red": true, "landsat-ndvi": true},
		incompatible: map[[2]string]bool{
			{"s2_harmonized", "landsat-ndvi"}: true,
		},
	}
}

func TestCanonicaliseHappyPath(t *testing.T) {
	req := TileRequest{Layer: "s2_harmonized", Z: 12, X: 100, Y: 100, Period: "WET", Year: 2023, VisParam: "tvi-red"}
	key, err := Canonicalise(req, validChecker())
	require.NoError(t, err)
	assert.Equal(t, "s2_harmonized|WET|2023|tvi-red", key.Mosaic.String())
	assert.Equal(t, "s2_harmonized|WET|2023|tvi-red|12|100|100", key.String())
}

func TestCanonicaliseMonth(t *testing.T) {
	req := TileRequest{Layer: "landsat", Z: 10, X: 1, Y: 1, Period: "MONTH", Year: 2024, Month: 7, VisParam: "landsat-ndvi"}
	key, err := Canonicalise(req, validChecker())
	require.NoError(t, err)
	assert.Equal(t, "landsat|MONTH|2024|07|landsat-ndvi", key.Mosaic.String())
}

func TestCanonicaliseBoundaryRejections(t *testing.T) {
	base := TileRequest{Layer: "s2_harmonized", X: 0, Y: 0, Period: "WET", Year: 2023, VisParam: "tvi-red"}
	checker := validChecker()

	z5 := base
	z5.Z = 5
	_, err := Canonicalise(z5, checker)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))

	z19 := base
	z19.Z = 19
	_, err = Canonicalise(z19, checker)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))

	oldYear := base
	oldYear.Z = 10
	oldYear.Year = 2016
	_, err = Canonicalise(oldYear, checker)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	incompatible := base
	incompatible.Z = 10
	incompatible.VisParam = "landsat-ndvi"
	_, err = Canonicalise(incompatible, checker)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	monthMissing := base
	monthMissing.Z = 10
	monthMissing.Period = "MONTH"
	_, err = Canonicalise(monthMissing, checker)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))

	badMonth := base
	badMonth.Z = 10
	badMonth.Period = "MONTH"
	badMonth.Month = 13
	_, err = Canonicalise(badMonth, checker)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestBlobPathRoundTrip(t *testing.T) {
	checker := validChecker()
	rng := rand.New(rand.NewSource(1))
	periods := []string{"WET", "DRY", "MONTH"}
	layers := []string{"s2_harmonized", "landsat"}

	for i := 0; i < 1000; i++ {
		layer := layers[rng.Intn(len(layers))]
		period := periods[rng.Intn(len(periods))]
		year := 2018 + rng.Intn(5)
		month := 0
		if period == "MONTH" {
			month = 1 + rng.Intn(12)
		}
		req := TileRequest{
			Layer: layer, Period: period, Year: year, Month: month,
			Z: MinZoom + rng.Intn(MaxZoom-MinZoom+1),
			X: rng.Intn(1 << 6), Y: rng.Intn(1 << 6),
			VisParam: "tvi-red",
		}
		key, err := Canonicalise(req, checker)
		require.NoError(t, err)

		path := BlobPath(key)
		got, ok := ParseBlobPath(path)
		require.True(t, ok, "path %s should parse", path)
		assert.Equal(t, key, got)
	}
}

func TestInvalidationPrefixesCoverAllPeriods(t *testing.T) {
	prefixes := InvalidationPrefixes("landsat", 2024)
	require.Len(t, prefixes, 3)
	assert.Contains(t, prefixes, "tiles/landsat/MONTH/2024/")
}
