package planner

// DefaultLadder is the progressive batch size sequence.
var DefaultLadder = []int{100, 500, 1000, 2000, 4000, 5000}

const DefaultHardCeiling = 10000

// Ladder tracks the current position on the batch size ladder. Moves are
// clamped to the last step that fits under the hard ceiling.
type Ladder struct {
	steps   []int
	ceiling int
	top     int
	idx     int
}

func NewLadder(steps []int, ceiling int) *Ladder {
	if len(steps) == 0 {
		steps = DefaultLadder
	}
	if ceiling <= 0 {
		ceiling = DefaultHardCeiling
	}
	l := &Ladder{steps: append([]int(nil), steps...), ceiling: ceiling}
	for i, s := range l.steps {
		if s <= ceiling {
			l.top = i
		}
	}
	return l
}

func (l *Ladder) Index() int { return l.idx }

// Size is the batch size at the current position.
func (l *Ladder) Size() int {
	return min(l.steps[l.idx], l.ceiling)
}

func (l *Ladder) Ceiling() int { return l.ceiling }

// Advance moves n steps up.
func (l *Ladder) Advance(n int) {
	l.idx = min(l.idx+n, l.top)
}

// Regress halves the position, never below the first step.
func (l *Ladder) Regress() {
	l.idx /= 2
}

// StartAt positions the ladder on the smallest step >= size.
func (l *Ladder) StartAt(size int) {
	l.idx = l.top
	for i := 0; i <= l.top; i++ {
		if l.steps[i] >= size {
			l.idx = i
			return
		}
	}
}
