package progress

import (
	"fmt"
	"strings"
	"sync"
)

const maxBarWidth = 40

// StepBar displays denoising progress, one cell per step. Cells of steps
// that ran the whole network are drawn solid, the others shaded.
type StepBar struct {
	mu      sync.Mutex
	message string
	full    []bool
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total}
}

// Done records the next completed step.
func (s *StepBar) Done(full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.full) < s.total {
		s.full = append(s.full, full)
	}
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.full)
	var percent float64
	if s.total > 0 {
		percent = float64(current) / float64(s.total) * 100
	}

	width := min(s.total, maxBarWidth)

	var sb strings.Builder
	var full int
	for i := range width {
		// first step covered by cell i
		step := i * s.total / width
		switch {
		case step >= current:
			sb.WriteString(" ")
		case s.full[step]:
			sb.WriteString("█")
		default:
			sb.WriteString("▒")
		}
	}

	for _, f := range s.full {
		if f {
			full++
		}
	}

	// "Denoising  40% ▕█▒▒█      ▏ 4/10 (2 full)"
	return fmt.Sprintf("%s %3.0f%% ▕%s▏ %d/%d (%d full)",
		s.message, percent, sb.String(), current, s.total, full)
}
