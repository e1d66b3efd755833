package recovery

// HealthSource reports device health indicators. Each reading returns ok =
// false when the platform cannot provide it, in which case the monitor skips
// the corresponding emergency trigger.
type HealthSource interface {
	BatteryLevel() (percent float64, ok bool)
	AvailableStorageMB() (mb float64, ok bool)
}

// NoHealth is the default on platforms without sensor access.
type NoHealth struct{}

func (NoHealth) BatteryLevel() (float64, bool)       { return 0, false }
func (NoHealth) AvailableStorageMB() (float64, bool) { return 0, false }
