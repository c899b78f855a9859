// Package device selects the compute backend once at process start and hands
// out tape machines that run the model graph on it.
package device

import (
	"errors"
	"fmt"
	"strings"

	"gorgonia.org/gorgonia"
)

// Kind identifies a compute device.
type Kind uint8

const (
	CPU Kind = iota
	CUDA
)

func (k Kind) String() string {
	names := [...]string{"cpu", "cuda"}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("device(%d)", k)
}

// ErrBackendUnavailable is returned when the requested device is not usable
// in this build.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Backend is the uniform contract the trainer and decoder use to execute
// graphs, regardless of where the math runs.
type Backend interface {
	Kind() Kind
	// NewMachine compiles g. Gradients are bound for learnables when any are given.
	NewMachine(g *gorgonia.ExprGraph, learnables gorgonia.Nodes) gorgonia.VM
	// Run rewinds vm and executes one full pass. Node values stay readable
	// until the next Run.
	Run(vm gorgonia.VM) error
}

type cpuBackend struct{}

func (cpuBackend) Kind() Kind { return CPU }

func (cpuBackend) NewMachine(g *gorgonia.ExprGraph, learnables gorgonia.Nodes) gorgonia.VM {
	if len(learnables) == 0 {
		return gorgonia.NewTapeMachine(g)
	}
	return gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(learnables...))
}

func (cpuBackend) Run(vm gorgonia.VM) error {
	vm.Reset()
	return vm.RunAll()
}

// Select resolves a device name ("auto", "cpu", "cuda") to a backend.
// CUDA kernels are not compiled into this binary, so "auto" resolves to CPU
// and an explicit "cuda" request fails.
func Select(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "cpu":
		return cpuBackend{}, nil
	case "cuda", "gpu":
		return nil, fmt.Errorf("%w: %s support is not compiled in", ErrBackendUnavailable, CUDA)
	default:
		return nil, fmt.Errorf("%w: unknown device %q", ErrBackendUnavailable, name)
	}
}
