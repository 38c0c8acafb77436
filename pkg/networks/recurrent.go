// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
)

// MaxNorm is the largest L2 norm allowed for each unit of the recurrent layers' weights.
const MaxNorm = 3.0

// maxNormAxes maps the names of the lstm package weights to the axes over which the norm of one unit is taken.
//
//   - inputsW: [numDirections, 4, hiddenSize, featuresSize]
//   - recurrentW: [numDirections, 4, hiddenSize, hiddenSize]
//   - biasesW: [numDirections, 8, hiddenSize], one vector per direction.
var maxNormAxes = map[string][]int{
	"inputsW":    {3},
	"recurrentW": {3},
	"biasesW":    {1, 2},
}

// Recurrent applies an LSTM to x, shaped [batch, sequence, features].
//
// It returns all the hidden states, shaped [batch, sequence, numDirections*hiddenSize], and the last hidden
// state, shaped [batch, numDirections*hiddenSize]. For the bidirectional case the forward direction comes first.
//
// The weights are constrained with ConstrainMaxNorm, which must be called after each update.
func Recurrent(ctx *context.Context, x *Node, hiddenSize int, bidirectional bool) (sequence, last *Node) {
	layer := lstm.New(ctx, x, hiddenSize)
	if bidirectional {
		layer.Direction(lstm.DirBidirectional)
	}
	numDirections := layer.NumDirections()
	allHidden, lastHidden, _ := layer.Done()

	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	// allHidden: [sequence, numDirections, batch, hidden] -> [batch, sequence, numDirections, hidden]
	sequence = TransposeAllDims(allHidden, 2, 0, 1, 3)
	sequence = Reshape(sequence, batchSize, seqLen, numDirections*hiddenSize)
	// lastHidden: [numDirections, batch, hidden] -> [batch, numDirections, hidden]
	last = TransposeAllDims(lastHidden, 1, 0, 2)
	last = Reshape(last, batchSize, numDirections*hiddenSize)
	return
}

// ConstrainMaxNorm re-projects the recurrent weights under scope, that are used in the graph g, so that
// the norm of each unit is at most MaxNorm.
//
// It is applied to the current value of the variable in the graph, so it must be called after the optimizer
// update, and it takes effect with the update.
func ConstrainMaxNorm(ctx *context.Context, g *Graph, scope string) {
	for v := range ctx.IterVariables() {
		axes, found := maxNormAxes[v.Name()]
		if !found || !InScope(v.Scope(), scope) || !v.InUseByGraph(g) {
			continue
		}
		v.SetValueGraph(MaxNormProjection(v.ValueGraph(g), MaxNorm, axes...))
	}
}

// MaxNormProjection rescales x so the L2 norm over axes is at most maxNorm. Slices with smaller norms are
// left (nearly) unchanged.
func MaxNormProjection(x *Node, maxNorm float64, axes ...int) *Node {
	norms := L2Norm(x, axes...)
	desired := ClipScalar(norms, 0, maxNorm)
	return Mul(x, Div(desired, AddScalar(norms, 1e-7)))
}

// InScope returns whether variableScope is scope or one of its sub-scopes. Both should be absolute.
func InScope(variableScope, scope string) bool {
	if variableScope == scope {
		return true
	}
	return strings.HasPrefix(variableScope, scope+context.ScopeSeparator)
}
