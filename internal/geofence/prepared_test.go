package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/model"
)

func TestPrepared_ClassifyCircle(t *testing.T) {
	p, err := Prepare(circleZone(riyadh, 100), 10)
	require.NoError(t, err)
	assert.InDelta(t, 10, p.Margin, 1e-9)

	tests := []struct {
		dist float64
		want Proximity
	}{
		{0, BufferedInside},
		{90, BufferedInside},
		{95, Band},
		{100, Band},
		{105, Band},
		{110, BufferedOutside},
		{500, BufferedOutside},
	}
	for _, tt := range tests {
		got := p.Classify(Containment{Inside: tt.dist <= 100, DistanceMeters: tt.dist})
		assert.Equal(t, tt.want, got, "distance %v", tt.dist)
	}
}

func TestPrepared_ZoneMarginOverridesDefault(t *testing.T) {
	z := circleZone(riyadh, 100)
	z.HysteresisMarginMeters = 25
	p, err := Prepare(z, 10)
	require.NoError(t, err)
	assert.InDelta(t, 25, p.Margin, 1e-9)
}

func TestPrepared_MarginCappedForSmallCircle(t *testing.T) {
	p, err := Prepare(circleZone(riyadh, 8), 10)
	require.NoError(t, err)
	assert.InDelta(t, 4, p.Margin, 1e-9)
	assert.Equal(t, BufferedInside, p.Classify(Containment{Inside: true, DistanceMeters: 3}))
}

func TestPrepared_ClassifyPolygon(t *testing.T) {
	p, err := Prepare(unitSquare(), 10)
	require.NoError(t, err)

	center := p.Match(model.Point{Lat: 0.5, Lon: 0.5})
	assert.Equal(t, BufferedInside, p.Classify(center))

	nearEdgeInside := Containment{Inside: true, DistanceMeters: 4}
	assert.Equal(t, Band, p.Classify(nearEdgeInside))

	nearEdgeOutside := Containment{Inside: false, DistanceMeters: 4}
	assert.Equal(t, Band, p.Classify(nearEdgeOutside))

	far := p.Match(model.Point{Lat: 0.5, Lon: 1.5})
	assert.Equal(t, BufferedOutside, p.Classify(far))
}

func TestPrepared_Near(t *testing.T) {
	p, err := Prepare(unitSquare(), 10)
	require.NoError(t, err)

	assert.True(t, p.Near(model.Point{Lat: 0.5, Lon: 0.5}, 0))
	assert.True(t, p.Near(model.Point{Lat: 0.5, Lon: 1.0005}, 100))
	assert.False(t, p.Near(model.Point{Lat: 0.5, Lon: 1.5}, 100))

	c, err := Prepare(circleZone(riyadh, 500), 10)
	require.NoError(t, err)
	assert.True(t, c.Near(riyadh, 0))
	assert.False(t, c.Near(model.Point{Lat: 25.0, Lon: 46.6753}, 100))
}

func TestPrepare_RejectsInvalid(t *testing.T) {
	_, err := Prepare(circleZone(riyadh, 0), 10)
	var cfgErr *ZoneConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "campus", cfgErr.ZoneID)
}
