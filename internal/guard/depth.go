package guard

import "github.com/tenzoki/agenmesh/internal/envelope"

// DepthGuard bounds how far one logical task may travel: v1 pipeline depth
// bounded by MaxPipelineDepth; v2 bounded by Context.IterationCount < MaxIterations.
type DepthGuard struct {
	MaxPipelineDepth int
	MaxIterations    int
}

// Exceeded reports whether e has exceeded the applicable depth bound for its
// version.
func (g DepthGuard) Exceeded(e *envelope.Envelope) bool {
	if e.IsV2() {
		return e.IterationCount() >= uint32(g.MaxIterations)
	}
	return e.Depth() > g.MaxPipelineDepth
}
