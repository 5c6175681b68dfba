package memory

// ResidencyContainer lists the allocations one submission needs resident.
// It does not own its entries and may hold duplicates; residency
// processing is responsible for visiting each allocation once.
type ResidencyContainer []*GraphicsAllocation

// Add appends allocations, skipping nil entries.
func (c *ResidencyContainer) Add(allocs ...*GraphicsAllocation) {
	for _, a := range allocs {
		if a != nil {
			*c = append(*c, a)
		}
	}
}

// Reset empties the container while keeping its capacity for the next
// submission.
func (c *ResidencyContainer) Reset() {
	for i := range *c {
		(*c)[i] = nil
	}
	*c = (*c)[:0]
}

// Contains reports whether a is listed.
func (c ResidencyContainer) Contains(a *GraphicsAllocation) bool {
	for _, e := range c {
		if e == a {
			return true
		}
	}
	return false
}

// Unique returns the entries in order with duplicates removed.
func (c ResidencyContainer) Unique() ResidencyContainer {
	seen := make(map[*GraphicsAllocation]struct{}, len(c))
	out := make(ResidencyContainer, 0, len(c))
	for _, a := range c {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// TotalSize sums the sizes of the unique entries.
func (c ResidencyContainer) TotalSize() int64 {
	var total int64
	for _, a := range c.Unique() {
		total += a.Size()
	}
	return total
}
