package serial

// DefaultBaudRate is used when the requested rate exceeds every supported one.
const DefaultBaudRate = 9600

// supportedBaudRates is the set the device firmware accepts, ascending.
var supportedBaudRates = []int{
	50, 75, 110, 134, 150, 200, 300, 600,
	1200, 1800, 2400, 4800, 9600, 19200, 38400,
}

// ClosestBaudRate returns the smallest supported rate not below rate.
// Rates above 38400 fall back to DefaultBaudRate.
func ClosestBaudRate(rate int) int {
	for _, supported := range supportedBaudRates {
		if rate <= supported {
			return supported
		}
	}
	return DefaultBaudRate
}
