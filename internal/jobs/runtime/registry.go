package runtime

import (
	"fmt"
	"sync"

	types "github.com/yungbote/memory-import/internal/domain/imports"
)

// Step is the work of one pipeline stage. Run must be safe to repeat after a crash: it
// either finds its result in the checkpoint or redoes idempotent writes.
type Step interface {
	Stage() types.Stage
	Run(c *Context) error
}

type Registry struct {
	mu    sync.RWMutex
	steps map[types.Stage]Step
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[types.Stage]Step)}
}

func (r *Registry) Register(s Step) error {
	if s == nil {
		return fmt.Errorf("nil step")
	}
	st := s.Stage()
	if !st.Valid() || st.Terminal() || st == types.StagePending {
		return fmt.Errorf("step registered for non-working stage %q", st)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[st]; exists {
		return fmt.Errorf("step already registered for stage=%s", st)
	}
	r.steps[st] = s
	return nil
}

func (r *Registry) Get(stage types.Stage) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[stage]
	return s, ok
}

// Missing lists pipeline stages without a registered step.
func (r *Registry) Missing() []types.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Stage
	for _, st := range types.Pipeline {
		if _, ok := r.steps[st]; !ok {
			out = append(out, st)
		}
	}
	return out
}
