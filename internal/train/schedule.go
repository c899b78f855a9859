package train

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/gorgonia"
)

// DefaultMinTeacherForcing is the floor of the teacher-forcing schedule.
const DefaultMinTeacherForcing = 0.5

// TeacherForcingRatio is the probability of feeding the ground-truth token at
// a rollout step. It starts at 1 and decays linearly towards floor.
func TeacherForcingRatio(epoch, total int, floor float64) float64 {
	if total <= 0 {
		return 1
	}
	return math.Max(floor, 1-(float64(epoch)/float64(total))*0.5)
}

// clipGlobalNorm rescales all gradients so their joint L2 norm is at most
// maxNorm and returns the norm before clipping.
func clipGlobalNorm(learnables gorgonia.Nodes, maxNorm float64) (float64, error) {
	grads := make([][]float64, 0, len(learnables))
	var sumSq float64
	for _, n := range learnables {
		g, err := n.Grad()
		if err != nil {
			return 0, err
		}
		data, ok := g.Data().([]float64)
		if !ok {
			continue
		}
		sumSq += floats.Dot(data, data)
		grads = append(grads, data)
	}
	norm := math.Sqrt(sumSq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm, nil
	}
	scale := maxNorm / (norm + 1e-6)
	for _, data := range grads {
		floats.Scale(scale, data)
	}
	return norm, nil
}
