package sensor

import "math"

// Ambient defaults, spec.md §4.5: "P (Pa), T (K), φ (0–1) default to 101325,
// 87, 0.66 respectively".
const (
	DefaultAmbientPressure    = 101325.0
	DefaultAmbientTemperature = 87.0
	DefaultAmbientHumidity    = 0.66
)

// VolumetricFlow implements the air-mass flow formula of spec.md §4.5,
// specified there as data rather than subsystem design:
//
//	n1 = 0.0289652 · φ · P
//	n2 = 0.018016 · φ · 6.1078 · 10^(7.5·(T−273.15)/(T+237.3))
//	ρ  = (n1 + n2) / (8.31446 · T)
//	qv = 0.032429 · sqrt(2·ΔP / ρ)
func VolumetricFlow(deltaP, p, t, phi float64) float64 {
	n1 := 0.0289652 * phi * p
	n2 := 0.018016 * phi * 6.1078 * math.Pow(10, 7.5*(t-273.15)/(t+237.3))
	rho := (n1 + n2) / (8.31446 * t)
	return 0.032429 * math.Sqrt(2*deltaP/rho)
}
