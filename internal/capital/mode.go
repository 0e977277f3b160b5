package capital

// OperatingMode is the allocator's stance for one decision.
type OperatingMode int

const (
	ModePreservation OperatingMode = iota
	ModeAccumulation
	ModeAggressive
	ModeCorrectionEntry
	ModeMonitoring
)

func (m OperatingMode) String() string {
	switch m {
	case ModePreservation:
		return "PRESERVATION"
	case ModeAccumulation:
		return "ACCUMULATION"
	case ModeAggressive:
		return "AGGRESSIVE"
	case ModeCorrectionEntry:
		return "CORRECTION_ENTRY"
	case ModeMonitoring:
		return "MONITORING"
	}
	return "UNKNOWN"
}

// MarshalText lets modes appear by name in JSON and logs.
func (m OperatingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
