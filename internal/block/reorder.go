package block

// Ref addresses the source or target of a drag gesture. A top-level block is
// addressed by BlockID alone; a block inside a column is addressed by its
// slot's ID plus its own ID. Dropping into the empty area of a column is a
// Ref with only SlotID set. Using a structured pair here (rather than a
// joined "slotIndex-blockID" string) means an ID containing a separator
// character can never be misparsed.
type Ref struct {
	SlotID  string
	BlockID string
}

// Move computes the document resulting from dragging src onto dst. All
// lookups are by stable identifier, never by position. A gesture that cannot
// be resolved against the current tree (stale ID, unsupported combination)
// returns the input unchanged: reordering is advisory UI feedback, and a
// benign race between drop event and state update must not corrupt anything.
// Dropping a block onto its own position is likewise the identity.
func Move(doc Document, src, dst Ref) Document {
	switch {
	case src.SlotID == "" && dst.SlotID == "":
		return moveTopLevel(doc, src.BlockID, dst.BlockID)
	case src.SlotID != "" && dst.SlotID != "":
		return moveWithinColumns(doc, src, dst)
	default:
		// Promoting a slot block to top level (or demoting) is not a drag
		// gesture the editor produces.
		return doc
	}
}

func moveTopLevel(doc Document, srcID, dstID string) Document {
	if srcID == "" || srcID == dstID {
		return doc
	}
	srcIdx := indexOf(doc.Blocks, srcID)
	dstIdx := indexOf(doc.Blocks, dstID)
	if srcIdx < 0 || dstIdx < 0 {
		return doc
	}
	next := Clone(doc)
	next.Blocks = moveInList(next.Blocks, srcIdx, dstID)
	return next
}

func moveWithinColumns(doc Document, src, dst Ref) Document {
	if src.BlockID == "" {
		return doc
	}
	colIdx, cols := findColumnsWithSlot(doc, src.SlotID)
	if colIdx < 0 {
		return doc
	}
	srcSlot := slotIndex(cols, src.SlotID)
	dstSlot := slotIndex(cols, dst.SlotID)
	if srcSlot < 0 || dstSlot < 0 {
		// Drags never cross from one columns block into another; the UI only
		// offers drop targets within the active container.
		return doc
	}
	srcIdx := indexOf(cols.Slots[srcSlot].Blocks, src.BlockID)
	if srcIdx < 0 {
		return doc
	}
	if srcSlot == dstSlot {
		if src.BlockID == dst.BlockID || dst.BlockID == "" {
			return doc
		}
		if indexOf(cols.Slots[dstSlot].Blocks, dst.BlockID) < 0 {
			return doc
		}
		next := Clone(doc)
		nextCols := next.Blocks[colIdx].(Columns)
		nextCols.Slots[srcSlot].Blocks = moveInList(nextCols.Slots[srcSlot].Blocks, srcIdx, dst.BlockID)
		next.Blocks[colIdx] = nextCols
		return next
	}

	// Cross-slot: remove from the source slot, insert into the target slot at
	// the target block's index, or append when dropped on the slot itself (or
	// when the target block has vanished). Both slot lists change in the same
	// columns update.
	next := Clone(doc)
	nextCols := next.Blocks[colIdx].(Columns)
	moved := nextCols.Slots[srcSlot].Blocks[srcIdx]
	nextCols.Slots[srcSlot].Blocks = append(
		nextCols.Slots[srcSlot].Blocks[:srcIdx],
		nextCols.Slots[srcSlot].Blocks[srcIdx+1:]...,
	)
	target := nextCols.Slots[dstSlot].Blocks
	insertAt := len(target)
	if dst.BlockID != "" {
		if idx := indexOf(target, dst.BlockID); idx >= 0 {
			insertAt = idx
		}
	}
	target = append(target[:insertAt], append([]Block{moved}, target[insertAt:]...)...)
	nextCols.Slots[dstSlot].Blocks = target
	next.Blocks[colIdx] = nextCols
	return next
}

// moveInList removes the element at srcIdx and reinserts it at the target's
// post-removal index. Moving down therefore shifts by one fewer than moving
// up: this is "move" semantics, not "swap".
func moveInList(list []Block, srcIdx int, dstID string) []Block {
	moved := list[srcIdx]
	list = append(list[:srcIdx], list[srcIdx+1:]...)
	insertAt := len(list)
	if idx := indexOf(list, dstID); idx >= 0 {
		insertAt = idx
	}
	return append(list[:insertAt], append([]Block{moved}, list[insertAt:]...)...)
}

func indexOf(list []Block, id string) int {
	if id == "" {
		return -1
	}
	for i, b := range list {
		if b.BlockID() == id {
			return i
		}
	}
	return -1
}

func findColumnsWithSlot(doc Document, slotID string) (int, Columns) {
	for i, b := range doc.Blocks {
		cols, ok := b.(Columns)
		if !ok {
			continue
		}
		for _, slot := range cols.Slots {
			if slot.ID == slotID {
				return i, cols
			}
		}
	}
	return -1, Columns{}
}

func slotIndex(cols Columns, slotID string) int {
	for i, slot := range cols.Slots {
		if slot.ID == slotID {
			return i
		}
	}
	return -1
}
