/*
Package alerts evaluates sensor readings against configured thresholds.

The threshold configuration is a JSON document validated against a schema.
Each metric carries a warning and a critical threshold; a reading at or above
the critical threshold produces a critical alert, otherwise a warning alert
once the warning threshold is crossed.
*/
package alerts

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/SidA7MD/iset-sub000/monitor"
)

// DefaultConfigJSON is the threshold configuration used when the service
// is not configured with its own.
const DefaultConfigJSON = `{
	"rules": [
	  {"metric": "temperature", "unit": "°C",  "warning": 35,  "critical": 45},
	  {"metric": "humidity",    "unit": "%",   "warning": 80,  "critical": 95},
	  {"metric": "gas",         "unit": "ppm", "warning": 600, "critical": 1000}
	]
  }
`

const configSchemaJSON = `{
	"type": "object",
	"required": ["rules"],
	"properties": {
	  "rules": {
		"type": "array",
		"items": {
		  "type": "object",
		  "required": ["metric", "warning", "critical"],
		  "properties": {
			"metric":   {"type": "string", "enum": ["temperature", "humidity", "gas"]},
			"unit":     {"type": "string"},
			"warning":  {"type": "number"},
			"critical": {"type": "number"}
		  }
		}
	  }
	}
  }
`

// Rule is one metric threshold.
type Rule struct {
	Metric   string  `json:"metric"`
	Unit     string  `json:"unit"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Evaluator evaluates readings against the configured rules.
type Evaluator struct {
	rules []Rule
}

// Builder is a builder helper for the Evaluator
type Builder struct {
	// ConfigJSON is the threshold configuration. Optional, defaults to
	// DefaultConfigJSON.
	ConfigJSON string
}

// MustNewEvaluator returns a new evaluator. It panics if the configuration
// does not validate against the threshold schema.
func MustNewEvaluator(b *Builder) *Evaluator {
	configJSON := b.ConfigJSON
	if len(configJSON) == 0 {
		configJSON = DefaultConfigJSON
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchemaJSON),
		gojsonschema.NewStringLoader(configJSON))
	if err != nil {
		panic(err)
	}
	if !result.Valid() {
		panic(fmt.Sprintf("invalid alert configuration: %v", result.Errors()))
	}

	var config struct {
		Rules []Rule `json:"rules"`
	}
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		panic(err)
	}
	return &Evaluator{rules: config.Rules}
}

// Evaluate checks the reading against all rules. It returns the triggered
// alerts and marks the reading itself with the alert flags that travel with
// the sensor:data event.
func (e *Evaluator) Evaluate(reading *monitor.Reading) []monitor.Alert {
	var triggered []monitor.Alert

	for _, rule := range e.rules {
		var value float64
		switch rule.Metric {
		case "temperature":
			value = reading.Temperature
		case "humidity":
			value = reading.Humidity
		case "gas":
			value = reading.Gas
		default:
			continue
		}

		severity := ""
		threshold := 0.0
		if value >= rule.Critical {
			severity = monitor.SeverityCritical
			threshold = rule.Critical
		} else if value >= rule.Warning {
			severity = monitor.SeverityWarning
			threshold = rule.Warning
		} else {
			continue
		}

		timestamp := reading.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now().UTC()
		}
		triggered = append(triggered, monitor.Alert{
			DeviceID:  reading.DeviceID,
			AlertType: rule.Metric,
			Severity:  severity,
			Value:     value,
			Threshold: threshold,
			Message:   fmt.Sprintf("%s %s: %g%s exceeds %g%s", rule.Metric, severity, value, rule.Unit, threshold, rule.Unit),
			CreatedAt: timestamp,
		})
		reading.AlertTypes = append(reading.AlertTypes, rule.Metric)
	}

	reading.AlertTriggered = len(triggered) > 0
	return triggered
}
