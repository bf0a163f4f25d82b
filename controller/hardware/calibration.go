package hardware

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// Probe matches fermenter.Probe.
type Probe interface {
	Read() (float64, error)
}

// Calibrated applies an expression over the variable "temp" to every reading,
// e.g. "temp * 1.002 - 0.1".
type Calibrated struct {
	probe Probe
	expr  *govaluate.EvaluableExpression
}

func NewCalibrated(p Probe, expression string) (*Calibrated, error) {
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("calibration %q: %w", expression, err)
	}
	for _, v := range expr.Vars() {
		if v != "temp" {
			return nil, fmt.Errorf("calibration %q: unknown variable %s", expression, v)
		}
	}
	return &Calibrated{probe: p, expr: expr}, nil
}

func (c *Calibrated) Read() (float64, error) {
	temp, err := c.probe.Read()
	if err != nil {
		return 0, err
	}
	out, err := c.expr.Evaluate(map[string]interface{}{"temp": temp})
	if err != nil {
		return 0, fmt.Errorf("calibration: %w", err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("calibration returned %T", out)
	}
	return v, nil
}
