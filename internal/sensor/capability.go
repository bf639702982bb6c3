package sensor

// Capability is an attribute a paired device exposes to its host.
type Capability string

const (
	MeasureTemperature  Capability = "measure_temperature"
	MeasureHumidity     Capability = "measure_humidity"
	MeasurePressure     Capability = "measure_pressure"
	MeasureRain         Capability = "measure_rain"
	MeterRain           Capability = "meter_rain"
	MeasureWindAngle    Capability = "measure_wind_angle"
	MeasureGustStrength Capability = "measure_gust_strength"
	MeasureWindStrength Capability = "measure_wind_strength"
	AlarmBattery        Capability = "alarm_battery"
)

// capabilityMap maps reading field names to device capabilities. Fields not
// listed are stored but never forwarded to a paired device.
var capabilityMap = []struct {
	field string
	cap   Capability
}{
	{"temperature", MeasureTemperature},
	{"humidity", MeasureHumidity},
	{"pressure", MeasurePressure},
	{"rainrate", MeasureRain},
	{"raintotal", MeterRain},
	{"direction", MeasureWindAngle},
	{"currentspeed", MeasureGustStrength},
	{"averagespeed", MeasureWindStrength},
	{"lowbattery", AlarmBattery},
}

// CapabilityFor returns the capability a field is exposed as.
func CapabilityFor(field string) (Capability, bool) {
	for _, e := range capabilityMap {
		if e.field == field {
			return e.cap, true
		}
	}
	return "", false
}

// FieldFor returns the reading field backing a capability.
func FieldFor(c Capability) (string, bool) {
	for _, e := range capabilityMap {
		if e.cap == c {
			return e.field, true
		}
	}
	return "", false
}

// Capabilities lists every known capability in table order.
func Capabilities() []Capability {
	out := make([]Capability, len(capabilityMap))
	for i, e := range capabilityMap {
		out[i] = e.cap
	}
	return out
}
