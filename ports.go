package main

import "hash/fnv"

// PortAssignment is the port triple derived for one instance.
type PortAssignment struct {
	WebPort         int `json:"webPort"`
	APIPort         int `json:"apiPort"`
	FrontendDevPort int `json:"frontendDevPort"`
}

const (
	portBandStart = 6000
	portBandWidth = 1000
	// Frontend dev servers live in a separate band so they can never
	// collide with a web/api pair from any instance.
	frontendPortOffset = 1000
)

// unsafePorts are ports browsers refuse to connect to (IRC and friends).
// Only ports inside the 6000-6999 band matter here.
var unsafePorts = map[int]bool{
	6665: true,
	6666: true,
	6667: true,
	6668: true,
	6669: true,
	6697: true,
}

// AllocatePorts derives the port triple for an instance ID. Deterministic:
// the same ID always yields the same ports. No reservation is made; isolation
// between concurrent instances relies on instance ID uniqueness.
func AllocatePorts(instanceID string) PortAssignment {
	h := fnv.New32a()
	h.Write([]byte(instanceID))
	// Reduce in uint32 before converting: int(h.Sum32()) is negative for
	// large hashes on 32-bit platforms.
	base := portBandStart + int(h.Sum32()%uint32(portBandWidth))

	// Walk forward (wrapping within the band) until neither the web nor
	// the api port lands on an unsafe port.
	for unsafePorts[base] || unsafePorts[base+1] {
		base = portBandStart + (base-portBandStart+1)%portBandWidth
	}

	return PortAssignment{
		WebPort:         base,
		APIPort:         base + 1,
		FrontendDevPort: base + frontendPortOffset,
	}
}
