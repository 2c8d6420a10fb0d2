package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestResolveBMIImperial(t *testing.T) {
	m, ok := ResolveBMI(Measurements{HeightFeet: f(5), HeightInches: f(10), WeightLbs: f(180)}, Measurements{})
	require.True(t, ok)
	assert.Equal(t, 25.82, m.BMI)
	assert.Equal(t, 180.0, m.WeightLbs)
	assert.Equal(t, 5, m.HeightFeet)
	assert.Equal(t, 10, m.HeightInches)
}

func TestResolveBMIMetricMatchesImperial(t *testing.T) {
	m, ok := ResolveBMI(Measurements{HeightCm: f(177.8), WeightKg: f(81.6466)}, Measurements{})
	require.True(t, ok)
	assert.InDelta(t, 25.82, m.BMI, 0.01)
	assert.Equal(t, 5, m.HeightFeet)
	assert.Equal(t, 10, m.HeightInches)
}

func TestResolveBMIFallsBackToStored(t *testing.T) {
	stored := Measurements{HeightFeet: f(5), HeightInches: f(10), WeightLbs: f(150)}

	m, ok := ResolveBMI(Measurements{WeightLbs: f(180)}, stored)
	require.True(t, ok)
	assert.Equal(t, 25.82, m.BMI)

	m, ok = ResolveBMI(Measurements{}, stored)
	require.True(t, ok)
	assert.Equal(t, round2(703*150.0/4900), m.BMI)
}

func TestResolveBMIMissingInputs(t *testing.T) {
	_, ok := ResolveBMI(Measurements{WeightLbs: f(180)}, Measurements{})
	assert.False(t, ok)
	_, ok = ResolveBMI(Measurements{HeightFeet: f(6)}, Measurements{})
	assert.False(t, ok)
	_, ok = ResolveBMI(Measurements{HeightFeet: f(0), HeightInches: f(0), WeightLbs: f(180)}, Measurements{})
	assert.False(t, ok)
}

func TestResolveBMIInchCarry(t *testing.T) {
	m, ok := ResolveBMI(Measurements{HeightInches: f(71.8), WeightLbs: f(200)}, Measurements{})
	require.True(t, ok)
	assert.Equal(t, 6, m.HeightFeet)
	assert.Equal(t, 0, m.HeightInches)
}
