package model

// Budget is a per-tick operation quota. A negative limit is unlimited.
type Budget struct {
	limit int
	used  int
}

func NewBudget(limit int) Budget { return Budget{limit: limit} }

func Unlimited() Budget { return Budget{limit: -1} }

func (b *Budget) Take() bool { return b.TakeN(1) }

func (b *Budget) TakeN(n int) bool {
	if b == nil {
		return true
	}
	if n <= 0 {
		return true
	}
	if b.limit >= 0 && b.used+n > b.limit {
		return false
	}
	b.used += n
	return true
}

func (b *Budget) Remaining() int {
	if b == nil || b.limit < 0 {
		return int(^uint(0) >> 1)
	}
	if b.used >= b.limit {
		return 0
	}
	return b.limit - b.used
}

func (b *Budget) Used() int {
	if b == nil {
		return 0
	}
	return b.used
}

func (b *Budget) Exhausted() bool { return b != nil && b.limit >= 0 && b.used >= b.limit }
