package mount

import (
	"fmt"

	"github.com/spectrocloud-labs/herd"
)

// StepDagStep adds the plan step called name to the graph.
func (s *State) StepDagStep(g *herd.Graph, name string, opts ...herd.OpOption) error {
	plan, err := s.Plan()
	if err != nil {
		return err
	}
	for _, step := range plan {
		if step.Name == name {
			return g.Add(name, append(opts, herd.WithCallback(s.StepOP(step)))...)
		}
	}
	return fmt.Errorf("no such step %q", name)
}
