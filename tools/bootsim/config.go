package main

import (
	"errors"
	"fmt"

	"biboy/kernel/boot"
	"biboy/kernel/mm"
	"biboy/kernel/mm/heap"

	"github.com/BurntSushi/toml"
)

// regionConfig describes one memory map entry. End is exclusive.
type regionConfig struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
	Kind  string `toml:"kind"`
}

// allocConfig is one step of the allocation script.
type allocConfig struct {
	Size  uint64 `toml:"size"`
	Align uint64 `toml:"align"`

	// Free releases the block again as soon as it has been allocated.
	Free bool `toml:"free"`
}

// config is the TOML description of a simulated machine.
type config struct {
	Regions   []regionConfig `toml:"region"`
	HeapStart uint64         `toml:"heap_start"`
	HeapSize  uint64         `toml:"heap_size"`
	Allocs    []allocConfig  `toml:"alloc"`
}

var regionKinds = map[string]boot.RegionKind{
	"usable":       boot.RegionUsable,
	"available":    boot.RegionUsable,
	"reserved":     boot.RegionReserved,
	"acpi":         boot.RegionACPIReclaimable,
	"acpi_reclaim": boot.RegionACPIReclaimable,
	"nvs":          boot.RegionNVS,
	"acpi_nvs":     boot.RegionNVS,
	"":             boot.RegionReserved,
}

// loadConfig reads the TOML file at path and fills in the kernel defaults
// for the heap window.
func loadConfig(path string) (*config, error) {
	var c config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &c, nil
}

func (c *config) setDefaults() {
	if c.HeapStart == 0 {
		c.HeapStart = uint64(heap.HeapStart)
	}
	if c.HeapSize == 0 {
		c.HeapSize = uint64(heap.HeapSize)
	}
	for i := range c.Allocs {
		if c.Allocs[i].Align == 0 {
			c.Allocs[i].Align = 1
		}
	}
}

func (c *config) validate() error {
	if len(c.Regions) == 0 {
		return errors.New("no memory regions defined")
	}

	for i, r := range c.Regions {
		if r.End < r.Start {
			return fmt.Errorf("region %d: end 0x%x is below start 0x%x", i, r.End, r.Start)
		}
		if _, ok := regionKinds[r.Kind]; !ok {
			return fmt.Errorf("region %d: unknown kind %q", i, r.Kind)
		}
	}

	if c.HeapStart%uint64(mm.PageSize) != 0 {
		return fmt.Errorf("heap_start 0x%x is not page aligned", c.HeapStart)
	}

	for i, a := range c.Allocs {
		if !mm.IsPowerOfTwo(uintptr(a.Align)) {
			return fmt.Errorf("alloc %d: align %d is not a power of two", i, a.Align)
		}
	}
	return nil
}

// memoryMap converts the configured regions into a boot memory map.
func (c *config) memoryMap() boot.RegionList {
	regions := make(boot.RegionList, 0, len(c.Regions))
	for _, r := range c.Regions {
		regions = append(regions, boot.MemoryRegion{
			Start: r.Start,
			End:   r.End,
			Kind:  regionKinds[r.Kind],
		})
	}
	return regions
}
