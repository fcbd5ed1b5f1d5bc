package model

import "fmt"

// Resources is a quantity of compute: cpu cores, ram in MB and gpu units.
type Resources struct {
	Cpu int64
	Ram int64
	Gpu int64
}

func (r Resources) Add(other Resources) Resources {
	return Resources{
		Cpu: r.Cpu + other.Cpu,
		Ram: r.Ram + other.Ram,
		Gpu: r.Gpu + other.Gpu,
	}
}

func (r Resources) Sub(other Resources) Resources {
	return Resources{
		Cpu: r.Cpu - other.Cpu,
		Ram: r.Ram - other.Ram,
		Gpu: r.Gpu - other.Gpu,
	}
}

// Fits returns true if every dimension of required is less than or equal to the corresponding dimension of r.
func (r Resources) Fits(required Resources) bool {
	return r.Cpu >= required.Cpu && r.Ram >= required.Ram && r.Gpu >= required.Gpu
}

// IsNegative returns true if any dimension is below zero.
func (r Resources) IsNegative() bool {
	return r.Cpu < 0 || r.Ram < 0 || r.Gpu < 0
}

func (r Resources) IsZero() bool {
	return r == Resources{}
}

// Dimensions returns the named quantities in a stable order.
func (r Resources) Dimensions() []Dimension {
	return []Dimension{
		{Name: "cpu", Value: r.Cpu},
		{Name: "ram", Value: r.Ram},
		{Name: "gpu", Value: r.Gpu},
	}
}

func (r Resources) String() string {
	return fmt.Sprintf("{cpu:%d, ram:%d, gpu:%d}", r.Cpu, r.Ram, r.Gpu)
}

type Dimension struct {
	Name  string
	Value int64
}
