package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
)

func TestParseViewOrdersCorners(t *testing.T) {
	view, err := parseView([]float64{58.38, 15.60, 58.40, 15.56})
	require.NoError(t, err)
	require.NotNil(t, view)

	assert.Equal(t, geo.Coordinate{Lat: 58.40, Lng: 15.56}, view.UpLeft)
	assert.Equal(t, geo.Coordinate{Lat: 58.38, Lng: 15.60}, view.DownRight)
	assert.InDelta(t, 58.39, view.Center.Lat, 1e-9)
	assert.InDelta(t, 15.58, view.Center.Lng, 1e-9)
}

func TestParseViewEmptyMeansNoPolling(t *testing.T) {
	view, err := parseView(nil)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestParseViewRejectsWrongArity(t *testing.T) {
	_, err := parseView([]float64{1, 2, 3})
	assert.Error(t, err)
}

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["emulate"])
}
