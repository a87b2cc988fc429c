package main

import (
	"fmt"
	"hash/fnv"
	"testing"
)

func TestAllocatePorts_Deterministic(t *testing.T) {
	a := AllocatePorts("test_20240115_103000_abcd1234")
	b := AllocatePorts("test_20240115_103000_abcd1234")

	if a != b {
		t.Errorf("same ID should yield same ports: %+v vs %+v", a, b)
	}
}

func TestAllocatePorts_Layout(t *testing.T) {
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("instance_%d", i)
		ports := AllocatePorts(id)

		if ports.WebPort < portBandStart || ports.WebPort >= portBandStart+portBandWidth {
			t.Errorf("%s: web port %d outside band", id, ports.WebPort)
		}
		if ports.APIPort != ports.WebPort+1 {
			t.Errorf("%s: api port %d, want web+1 (%d)", id, ports.APIPort, ports.WebPort+1)
		}
		if ports.FrontendDevPort != ports.WebPort+frontendPortOffset {
			t.Errorf("%s: frontend port %d, want web+%d", id, ports.FrontendDevPort, frontendPortOffset)
		}
	}
}

func TestAllocatePorts_AvoidsUnsafePorts(t *testing.T) {
	// Brute force enough IDs that some hash near the unsafe range.
	for i := 0; i < 5000; i++ {
		ports := AllocatePorts(fmt.Sprintf("id_%d", i))
		if unsafePorts[ports.WebPort] {
			t.Fatalf("web port %d is browser-unsafe", ports.WebPort)
		}
		if unsafePorts[ports.APIPort] {
			t.Fatalf("api port %d is browser-unsafe", ports.APIPort)
		}
	}
}

func TestAllocatePorts_LargeHashStaysInBand(t *testing.T) {
	// An ID whose 32-bit hash has the top bit set: int(hash) is negative on
	// 32-bit platforms, so the reduction must happen in uint32.
	for i := 0; ; i++ {
		id := fmt.Sprintf("wrap_%d", i)
		h := fnv.New32a()
		h.Write([]byte(id))
		if h.Sum32() < 1<<31 {
			continue
		}

		ports := AllocatePorts(id)
		if ports.WebPort < portBandStart || ports.WebPort >= portBandStart+portBandWidth {
			t.Fatalf("%s (hash %d): web port %d outside band", id, h.Sum32(), ports.WebPort)
		}
		return
	}
}

func TestAllocatePorts_DifferentIDsUsuallyDiffer(t *testing.T) {
	seen := make(map[int]int)
	collisions := 0
	for i := 0; i < 100; i++ {
		ports := AllocatePorts(fmt.Sprintf("unique_%d", i))
		if _, ok := seen[ports.WebPort]; ok {
			collisions++
		}
		seen[ports.WebPort] = i
	}
	// Hash collisions inside a 1000-port band are possible but should be rare
	// for 100 IDs.
	if collisions > 20 {
		t.Errorf("too many port collisions: %d/100", collisions)
	}
}
