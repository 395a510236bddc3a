package model

// CountItem sums the units of item held by inv.
func CountItem(inv Inventory, item ItemType) int {
	if inv == nil {
		return 0
	}
	n := 0
	for i := 0; i < inv.Size(); i++ {
		if st, ok := inv.Get(i); ok && st.Type == item {
			n += st.Count
		}
	}
	return n
}

// Insert merges stack into inv, topping up matching stacks before using empty
// slots. It returns the number of units placed.
func Insert(inv Inventory, stack ItemStack, maxStack int) int {
	if inv == nil || stack.Empty() {
		return 0
	}
	if maxStack <= 0 {
		maxStack = 64
	}
	left := stack.Count
	for i := 0; i < inv.Size() && left > 0; i++ {
		st, ok := inv.Get(i)
		if !ok || st.Type != stack.Type || st.Count >= maxStack {
			continue
		}
		add := min(maxStack-st.Count, left)
		st.Count += add
		inv.Set(i, st)
		left -= add
	}
	for i := 0; i < inv.Size() && left > 0; i++ {
		if _, ok := inv.Get(i); ok {
			continue
		}
		add := min(maxStack, left)
		inv.Set(i, ItemStack{Type: stack.Type, Count: add})
		left -= add
	}
	return stack.Count - left
}

// Extract removes up to n units of item, preferring hint first. It returns the
// number removed and the slot the last units came from.
func Extract(inv Inventory, item ItemType, n, hint int) (int, int) {
	if inv == nil || n <= 0 {
		return 0, -1
	}
	taken, last := 0, -1
	take := func(i int) {
		st, ok := inv.Get(i)
		if !ok || st.Type != item {
			return
		}
		k := min(st.Count, n-taken)
		st.Count -= k
		inv.Set(i, st)
		taken += k
		last = i
	}
	if hint >= 0 && hint < inv.Size() {
		take(hint)
	}
	for i := 0; i < inv.Size() && taken < n; i++ {
		if i == hint {
			continue
		}
		take(i)
	}
	return taken, last
}
