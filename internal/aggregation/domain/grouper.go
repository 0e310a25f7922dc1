package aggregation

import telemetry "energy-telemetry/internal/telemetry/domain"

// DeviceGroups is the immutable result of partitioning a reading set by device.
type DeviceGroups struct {
	order  []string
	groups map[string][]telemetry.Reading
}

// GroupByDevice partitions readings by device id. Devices are ordered by first
// appearance and each group keeps the input order of its readings.
func GroupByDevice(readings []telemetry.Reading) DeviceGroups {
	groups := make(map[string][]telemetry.Reading)
	order := make([]string, 0)
	for _, reading := range readings {
		if _, ok := groups[reading.DeviceID]; !ok {
			order = append(order, reading.DeviceID)
		}
		groups[reading.DeviceID] = append(groups[reading.DeviceID], reading)
	}
	return DeviceGroups{order: order, groups: groups}
}

// Devices returns device ids in first-appearance order.
func (g DeviceGroups) Devices() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Readings returns a copy of one device's readings.
func (g DeviceGroups) Readings(deviceID string) []telemetry.Reading {
	group := g.groups[deviceID]
	out := make([]telemetry.Reading, len(group))
	copy(out, group)
	return out
}

// Len returns the number of devices.
func (g DeviceGroups) Len() int { return len(g.order) }

// Size returns the total number of readings across all groups.
func (g DeviceGroups) Size() int {
	total := 0
	for _, group := range g.groups {
		total += len(group)
	}
	return total
}
