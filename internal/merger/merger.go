// Package merger collapses a new operation into an entity's pending list so the
// remote service sees as few calls as possible without changing the end state.
package merger

import (
	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

// Outcome describes what Merge did with the incoming operation.
type Outcome int

const (
	// Appended means the incoming operation was added to the end of the list.
	Appended Outcome = iota
	// MergedBulk means an incoming bulk update was merged into a queued bulk update.
	MergedBulk
	// FoldedField means an incoming single-field update was folded into a queued bulk update.
	FoldedField
)

func (o Outcome) String() string {
	switch o {
	case MergedBulk:
		return "merged_bulk"
	case FoldedField:
		return "folded_field"
	default:
		return "appended"
	}
}

// Merge returns a new list with incoming merged in. existing is not modified and
// neither are the descriptors it points to; a descriptor that absorbs the
// incoming fields is replaced by a copy at the same position.
//
// Rules, first match wins:
//  1. bulk + queued bulk: merge payload (last write wins), take incoming CreatedAt and Executor.
//  2. single field + queued bulk: fold the field into the bulk payload, keep the bulk Executor.
//  3. otherwise append.
func Merge(existing []*types.Operation, incoming *types.Operation) ([]*types.Operation, Outcome) {
	out := make([]*types.Operation, len(existing), len(existing)+1)
	copy(out, existing)

	idx := lastBulk(existing)
	switch {
	case incoming.Kind.IsBulk() && idx >= 0:
		merged := existing[idx].Clone()
		for k, v := range incoming.Payload {
			merged.Payload[k] = v
		}
		merged.CreatedAt = incoming.CreatedAt
		merged.Executor = incoming.Executor
		out[idx] = merged
		return out, MergedBulk

	case incoming.Kind.IsSingleField() && idx >= 0:
		merged := existing[idx].Clone()
		for k, v := range incoming.Payload {
			merged.Payload[k] = v
		}
		out[idx] = merged
		return out, FoldedField
	}

	return append(out, incoming), Appended
}

// lastBulk returns the index of the most recent bulk update, or -1.
func lastBulk(ops []*types.Operation) int {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Kind.IsBulk() {
			return i
		}
	}
	return -1
}
