package ensemble

import "github.com/brightgrid/explain-engine/internal/models"

// Interventional TreeSHAP against an explicit background sample.
//
// For one foreground vector x and one background vector z, a hybrid input
// takes each feature from either x or z. A leaf is reached by a hybrid iff,
// for every feature split on along its path, the chosen source value follows
// the path at all of that feature's splits. Classifying each on-path feature
// as x-only, z-only, or unconstrained gives the leaf's Shapley weight in
// closed form, so per-feature Shapley values of f(x) - f(z) come out of one
// pass over the tree's paths instead of an exponential coalition sweep.
// Averaging over the background yields attributions that sum exactly to
// Margin(x) - MeanMargin(background).

const maxPathFeatures = 64

var factorials [maxPathFeatures + 1]float64

func init() {
	factorials[0] = 1
	for i := 1; i <= maxPathFeatures; i++ {
		factorials[i] = factorials[i-1] * float64(i)
	}
}

// Contributions returns margin-space Shapley values for x, one per feature,
// relative to the mean margin over the background sample.
func (e *Ensemble) Contributions(x []models.Value, background [][]models.Value) []float64 {
	phi := make([]float64, len(x))
	if len(background) == 0 {
		return phi
	}
	for _, z := range background {
		for _, t := range e.Trees {
			w := pairWalker{tree: t, x: x, z: z, phi: phi, follow: make(map[int]followState, 8)}
			w.descend(0)
		}
	}
	inv := 1 / float64(len(background))
	for i := range phi {
		phi[i] *= inv
	}
	return phi
}

type followState struct {
	x bool // x's value follows every split of this feature on the current path
	z bool
}

type pairWalker struct {
	tree   Tree
	x, z   []models.Value
	phi    []float64
	follow map[int]followState
}

func (w *pairWalker) descend(idx int) {
	n := w.tree.Nodes[idx]
	if n.Leaf {
		w.emit(n.Value)
		return
	}
	f := n.Feature
	xl := goesLeft(n, w.x[f])
	zl := goesLeft(n, w.z[f])

	prev, seen := w.follow[f]
	if !seen {
		prev = followState{x: true, z: true}
	}

	left := followState{x: prev.x && xl, z: prev.z && zl}
	if left.x || left.z {
		w.follow[f] = left
		w.descend(n.Left)
	}
	right := followState{x: prev.x && !xl, z: prev.z && !zl}
	if right.x || right.z {
		w.follow[f] = right
		w.descend(n.Right)
	}

	if seen {
		w.follow[f] = prev
	} else {
		delete(w.follow, f)
	}
}

func (w *pairWalker) emit(value float64) {
	k, m := 0, 0
	for _, fs := range w.follow {
		switch {
		case fs.x && !fs.z:
			k++
		case !fs.x && fs.z:
			m++
		}
	}
	// Reached by both x and z: cancels in f(x) - f(z).
	if k == 0 && m == 0 {
		return
	}
	if k+m > maxPathFeatures {
		// Deeper than any real boosted tree; weights below would overflow
		// the factorial table.
		return
	}
	total := factorials[k+m]
	if k > 0 {
		pos := value * factorials[k-1] * factorials[m] / total
		for f, fs := range w.follow {
			if fs.x && !fs.z {
				w.phi[f] += pos
			}
		}
	}
	if m > 0 {
		neg := value * factorials[k] * factorials[m-1] / total
		for f, fs := range w.follow {
			if !fs.x && fs.z {
				w.phi[f] -= neg
			}
		}
	}
}
