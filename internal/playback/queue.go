package playback

// Queue is the ordered list of items waiting to play in one tenant.
// Duplicates are allowed. Queue is not safe for concurrent use; it is always
// accessed under the tenant lock.
type Queue struct {
	items []Item
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Append adds item at the tail and returns its 1-based position.
func (q *Queue) Append(item Item) int {
	q.items = append(q.items, item)
	return len(q.items)
}

// Insert places item at index, clamped to [0, Len], and returns the 1-based
// position it ended up at.
func (q *Queue) Insert(index int, item Item) int {
	index = max(0, min(index, len(q.items)))
	q.items = append(q.items, nil)
	copy(q.items[index+1:], q.items[index:])
	q.items[index] = item
	return index + 1
}

// Remove deletes the item at index. It reports false and leaves the queue
// untouched when index is outside [0, Len).
func (q *Queue) Remove(index int) (Item, bool) {
	if index < 0 || index >= len(q.items) {
		return nil, false
	}
	item := q.items[index]
	copy(q.items[index:], q.items[index+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return item, true
}

// Peek returns the head item or nil.
func (q *Queue) Peek() Item {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// PopFront removes and returns the head item or nil.
func (q *Queue) PopFront() Item {
	item, _ := q.Remove(0)
	return item
}

// Head returns up to n items from the front. The slice is a copy.
func (q *Queue) Head(n int) []Item {
	n = max(0, min(n, len(q.items)))
	out := make([]Item, n)
	copy(out, q.items[:n])
	return out
}

// Clear empties the queue and returns what was in it.
func (q *Queue) Clear() []Item {
	items := q.items
	q.items = nil
	return items
}

// Snapshot returns the displayable state of every item in order.
func (q *Queue) Snapshot() []ItemInfo {
	out := make([]ItemInfo, len(q.items))
	for i, item := range q.items {
		out[i] = item.Info()
	}
	return out
}
