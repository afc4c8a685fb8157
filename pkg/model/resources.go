package model

import (
	"fmt"
	"strings"
)

// ResourceUnit says how a ComputeResources value is expressed.
type ResourceUnit string

const (
	// UnitAbsolute values are cores, gigabytes and gigabits per second.
	UnitAbsolute ResourceUnit = "ABSOLUTE"
	// UnitRelative values are fractions in (0,1] of the host capacity.
	UnitRelative ResourceUnit = "RELATIVE"
)

// Dimension identifies one accounted resource.
type Dimension int

const (
	DimCPU Dimension = iota
	DimRAM
	DimDisk
	DimMemoryBandwidth
)

// Dimensions lists every accounted dimension in a stable order.
var Dimensions = []Dimension{DimCPU, DimRAM, DimDisk, DimMemoryBandwidth}

func (d Dimension) String() string {
	switch d {
	case DimCPU:
		return "cpu_cores"
	case DimRAM:
		return "ram_gb"
	case DimDisk:
		return "disk_gb"
	case DimMemoryBandwidth:
		return "memory_bandwidth_gbps"
	default:
		return fmt.Sprintf("dimension(%d)", int(d))
	}
}

// ComputeResources is a resource request or grant.
type ComputeResources struct {
	CPUCores            float64      `json:"cpu_cores" yaml:"cpu_cores"`
	RAMGB               float64      `json:"ram_gb" yaml:"ram_gb"`
	DiskGB              float64      `json:"disk_gb" yaml:"disk_gb"`
	MemoryBandwidthGBPS float64      `json:"memory_bandwidth_gbps" yaml:"memory_bandwidth_gbps"`
	Unit                ResourceUnit `json:"unit" yaml:"unit"`
}

// Get returns the value of one dimension.
func (r ComputeResources) Get(d Dimension) float64 {
	switch d {
	case DimCPU:
		return r.CPUCores
	case DimRAM:
		return r.RAMGB
	case DimDisk:
		return r.DiskGB
	case DimMemoryBandwidth:
		return r.MemoryBandwidthGBPS
	}
	return 0
}

// Set overwrites the value of one dimension.
func (r *ComputeResources) Set(d Dimension, v float64) {
	switch d {
	case DimCPU:
		r.CPUCores = v
	case DimRAM:
		r.RAMGB = v
	case DimDisk:
		r.DiskGB = v
	case DimMemoryBandwidth:
		r.MemoryBandwidthGBPS = v
	}
}

// IsZero reports whether no dimension was set.
func (r ComputeResources) IsZero() bool {
	for _, d := range Dimensions {
		if r.Get(d) != 0 {
			return false
		}
	}
	return true
}

// Normalize upper-cases the unit and defaults it to ABSOLUTE.
func (r ComputeResources) Normalize() ComputeResources {
	r.Unit = ResourceUnit(strings.ToUpper(strings.TrimSpace(string(r.Unit))))
	if r.Unit == "" {
		r.Unit = UnitAbsolute
	}
	return r
}

// Validate checks that every dimension is positive and that relative values are fractions.
func (r ComputeResources) Validate() error {
	r = r.Normalize()
	if r.Unit != UnitAbsolute && r.Unit != UnitRelative {
		return NewConfigurationError("invalid resource unit %q", string(r.Unit))
	}
	for _, d := range Dimensions {
		v := r.Get(d)
		if v <= 0 {
			return NewConfigurationError("%s must be greater than 0, got %v", d, v)
		}
		if r.Unit == UnitRelative && v > 1 {
			return NewConfigurationError("relative %s must be in (0,1], got %v", d, v)
		}
	}
	return nil
}

// Absolute converts r to absolute units against capacity.
func (r ComputeResources) Absolute(capacity ComputeResources) ComputeResources {
	r = r.Normalize()
	if r.Unit == UnitAbsolute {
		return r
	}
	out := ComputeResources{Unit: UnitAbsolute}
	for _, d := range Dimensions {
		out.Set(d, r.Get(d)*capacity.Get(d))
	}
	return out
}

func (r ComputeResources) String() string {
	return fmt.Sprintf("cpu=%g ram=%gGB disk=%gGB membw=%gGbps (%s)",
		r.CPUCores, r.RAMGB, r.DiskGB, r.MemoryBandwidthGBPS, r.Normalize().Unit)
}
