package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SidA7MD/iset-sub000/monitor"
)

func TestEvaluator_NoAlerts(t *testing.T) {
	evaluator := MustNewEvaluator(&Builder{})

	reading := monitor.Reading{DeviceID: "DEV1", Temperature: 21, Humidity: 40, Gas: 200, Timestamp: time.Now()}
	triggered := evaluator.Evaluate(&reading)

	assert.Empty(t, triggered)
	assert.False(t, reading.AlertTriggered)
	assert.Empty(t, reading.AlertTypes)
}

func TestEvaluator_WarningAndCritical(t *testing.T) {
	evaluator := MustNewEvaluator(&Builder{})

	reading := monitor.Reading{DeviceID: "DEV1", Temperature: 36, Humidity: 40, Gas: 1200, Timestamp: time.Now()}
	triggered := evaluator.Evaluate(&reading)

	require.Len(t, triggered, 2)
	assert.Equal(t, "temperature", triggered[0].AlertType)
	assert.Equal(t, monitor.SeverityWarning, triggered[0].Severity)
	assert.Equal(t, 35.0, triggered[0].Threshold)
	assert.Equal(t, "gas", triggered[1].AlertType)
	assert.Equal(t, monitor.SeverityCritical, triggered[1].Severity)
	assert.Equal(t, 1000.0, triggered[1].Threshold)

	// the reading carries the flags that travel with the sensor:data event
	assert.True(t, reading.AlertTriggered)
	assert.Equal(t, []string{"temperature", "gas"}, reading.AlertTypes)
}

func TestEvaluator_ThresholdIsInclusive(t *testing.T) {
	evaluator := MustNewEvaluator(&Builder{})

	reading := monitor.Reading{DeviceID: "DEV1", Temperature: 45, Humidity: 80, Gas: 0}
	triggered := evaluator.Evaluate(&reading)

	require.Len(t, triggered, 2)
	assert.Equal(t, monitor.SeverityCritical, triggered[0].Severity)
	assert.Equal(t, monitor.SeverityWarning, triggered[1].Severity)
}

func TestEvaluator_CustomRules(t *testing.T) {
	evaluator := MustNewEvaluator(&Builder{ConfigJSON: `{
		"rules": [
		  {"metric": "temperature", "unit": "°C", "warning": 10, "critical": 20}
		]
	  }`})

	reading := monitor.Reading{DeviceID: "DEV1", Temperature: 15, Gas: 9999}
	triggered := evaluator.Evaluate(&reading)

	require.Len(t, triggered, 1)
	assert.Equal(t, "temperature", triggered[0].AlertType)
	assert.Contains(t, triggered[0].Message, "temperature warning")
}

func TestEvaluator_RejectsInvalidConfiguration(t *testing.T) {
	assert.Panics(t, func() {
		MustNewEvaluator(&Builder{ConfigJSON: `{"rules": [{"metric": "pressure", "warning": 1, "critical": 2}]}`})
	})
	assert.Panics(t, func() {
		MustNewEvaluator(&Builder{ConfigJSON: `{"no_rules": true}`})
	})
	assert.Panics(t, func() {
		MustNewEvaluator(&Builder{ConfigJSON: `not json`})
	})
}
