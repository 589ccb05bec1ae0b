package telemetry

// Fault flag bits (payload bytes 10-11).
const (
	FaultOverVoltage uint16 = 1 << iota
	FaultUnderVoltage
	FaultOverCurrent
	FaultControllerOverTemp
	FaultMotorOverTemp
	FaultHallSensor
	FaultThrottle
	FaultPhaseLoss
	FaultStall
	FaultCommunication
)

var faultNames = []struct {
	bit  uint16
	name string
}{
	{FaultOverVoltage, "over_voltage"},
	{FaultUnderVoltage, "under_voltage"},
	{FaultOverCurrent, "over_current"},
	{FaultControllerOverTemp, "controller_over_temp"},
	{FaultMotorOverTemp, "motor_over_temp"},
	{FaultHallSensor, "hall_sensor"},
	{FaultThrottle, "throttle"},
	{FaultPhaseLoss, "phase_loss"},
	{FaultStall, "stall"},
	{FaultCommunication, "communication"},
}

// FaultNames lists the active faults in bit order. Unknown bits are
// reported as "unknown".
func FaultNames(flags uint16) []string {
	if flags == 0 {
		return nil
	}
	var names []string
	var known uint16
	for _, f := range faultNames {
		known |= f.bit
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	if flags&^known != 0 {
		names = append(names, "unknown")
	}
	return names
}
