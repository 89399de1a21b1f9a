// Package pv estimates photovoltaic power from a weather forecast by
// integrating a lumped thermal model of the panel.
package pv

import (
	"errors"
	"fmt"
	"math"
)

// Panel holds the physical constants of the simulated module.
type Panel struct {
	AreaM2          float64 `json:"areaM2"`
	Absorptivity    float64 `json:"absorptivity"`
	H0              float64 `json:"h0"`              // base heat transfer coefficient, W/m²K
	WindCoefficient float64 `json:"windCoefficient"` // added heat transfer per m/s of wind
	ThermalCapacity float64 `json:"thermalCapacity"` // J/K
	TRefC           float64 `json:"tRefC"`
	Efficiency      float64 `json:"efficiency"`
	TempCoefficient float64 `json:"tempCoefficient"` // efficiency change per K above TRefC
	FillFactor      float64 `json:"fillFactor"`
	VocRef          float64 `json:"vocRef"`
	InternalOhms    float64 `json:"internalOhms"`
	VocCoefficient  float64 `json:"vocCoefficient"` // V per K above TRefC
}

// DefaultPanel returns a typical 1.6 m² crystalline silicon module.
func DefaultPanel() Panel {
	return Panel{
		AreaM2:          1.6,
		Absorptivity:    0.9,
		H0:              5,
		WindCoefficient: 3.8,
		ThermalCapacity: 11000,
		TRefC:           25,
		Efficiency:      0.18,
		TempCoefficient: -0.004,
		FillFactor:      0.75,
		VocRef:          37.5,
		InternalOhms:    0.5,
		VocCoefficient:  -0.12,
	}
}

// Validate checks the constants are physically usable.
func (p Panel) Validate() error {
	switch {
	case p.AreaM2 <= 0:
		return errors.New("panel area must be positive")
	case p.ThermalCapacity <= 0:
		return errors.New("panel thermal capacity must be positive")
	case p.Efficiency < 0 || p.Efficiency > 1:
		return fmt.Errorf("panel efficiency %v out of range", p.Efficiency)
	case p.Absorptivity < 0 || p.Absorptivity > 1:
		return fmt.Errorf("panel absorptivity %v out of range", p.Absorptivity)
	case p.FillFactor < 0 || p.FillFactor > 1:
		return fmt.Errorf("panel fill factor %v out of range", p.FillFactor)
	}
	return nil
}

// EfficiencyAt returns the temperature-adjusted efficiency, never negative.
func (p Panel) EfficiencyAt(tempC float64) float64 {
	return p.Efficiency * math.Max(1+p.TempCoefficient*(tempC-p.TRefC), 0)
}

// PowerAt returns electrical output in watts for irradiance ghi (W/m²) at
// panel temperature tempC.
func (p Panel) PowerAt(ghi, tempC float64) float64 {
	return math.Max(ghi*p.AreaM2*p.EfficiencyAt(tempC), 0)
}

// Derivative returns dT/dt in K/s for panel temperature tempC under the
// given irradiance, ambient temperature and wind speed.
func (p Panel) Derivative(tempC, ghi, ambientC, wind float64) float64 {
	absorbed := ghi * p.AreaM2 * p.Absorptivity

	potential := ghi * p.AreaM2 * p.EfficiencyAt(tempC)
	voc := p.VocRef + p.VocCoefficient*(tempC-p.TRefC)
	v := p.FillFactor * voc
	var current float64
	if v > 0 {
		current = potential / v
	}
	selfHeating := current * current * p.InternalOhms

	h := p.H0 + p.WindCoefficient*wind
	loss := h * p.AreaM2 * (tempC - ambientC)

	return (absorbed + selfHeating - loss) / p.ThermalCapacity
}

// StepRK4 advances tempC by dt seconds with constant forcing.
func (p Panel) StepRK4(tempC, ghi, ambientC, wind, dt float64) float64 {
	f := func(t float64) float64 {
		return p.Derivative(t, ghi, ambientC, wind)
	}
	k1 := f(tempC)
	k2 := f(tempC + dt/2*k1)
	k3 := f(tempC + dt/2*k2)
	k4 := f(tempC + dt*k3)
	return tempC + dt/6*(k1+2*k2+2*k3+k4)
}
