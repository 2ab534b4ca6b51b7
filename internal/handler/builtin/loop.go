package builtin

import (
	"context"

	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/workflow"
)

// LoopHandler anchors a loop cycle. Each firing of the "loop" handle hands
// one item (or one bare iteration) to the body; the body's terminal edge
// re-enters this node. When the items or the iteration count are exhausted
// the "done" handle fires with the accumulated body outputs.
type LoopHandler struct{}

func (h *LoopHandler) Fields() []handler.FieldSpec {
	return []handler.FieldSpec{
		{Name: "max_loop_count", Type: handler.FieldNumber, Required: false},
		{Name: "item_variable", Type: handler.FieldString, Required: false},
	}
}
func (h *LoopHandler) Credentials() []string { return nil }
func (h *LoopHandler) Outputs() []string {
	return []string{handler.HandleLoop, handler.HandleDone}
}

func (h *LoopHandler) Execute(_ context.Context, in *handler.Input) (*handler.Result, error) {
	nodeID := in.NodeID
	count := in.State.LoopCount(nodeID)

	items, haveItems := in.State.Items(nodeID)
	if count == 0 {
		if cfgItems, ok := configItems(in.Config, "items"); ok {
			items, haveItems = cfgItems, true
		} else if inputItems, ok := in.Data["items"].([]any); ok {
			items, haveItems = inputItems, true
		}
		if haveItems {
			in.State.SetItems(nodeID, items)
		}
	} else {
		// Re-entry: the body just finished one iteration.
		in.State.Accumulate(nodeID, in.Data)
	}

	// The configured count is taken as-is: a value above the system bound is
	// the runner's violation to detect, not this handler's to hide.
	maxCount := workflow.SystemMaxLoops
	if n, ok := configInt(in.Config, "max_loop_count"); ok {
		maxCount = n
	}

	exhausted := count >= maxCount
	if haveItems && count >= len(items) {
		exhausted = true
	}
	if exhausted {
		return handler.Routed(handler.HandleDone, map[string]any{
			"results":    in.State.Accumulated(nodeID),
			"iterations": count,
		}), nil
	}

	in.State.IncrementLoop(nodeID)
	data := map[string]any{"index": count}
	if haveItems {
		data["item"] = items[count]
		if name, ok := configString(in.Config, "item_variable"); ok && name != "" {
			in.State.SetVariable(name, items[count])
		}
	}
	return handler.Routed(handler.HandleLoop, data), nil
}

// SplitInBatchesHandler is the batched loop carrier: each firing hands the
// body one slice of the items, tracked by the batch cursor.
type SplitInBatchesHandler struct{}

func (h *SplitInBatchesHandler) Fields() []handler.FieldSpec {
	return []handler.FieldSpec{
		{Name: "batch_size", Type: handler.FieldNumber, Required: false},
	}
}
func (h *SplitInBatchesHandler) Credentials() []string { return nil }
func (h *SplitInBatchesHandler) Outputs() []string {
	return []string{handler.HandleLoop, handler.HandleDone}
}

func (h *SplitInBatchesHandler) Execute(_ context.Context, in *handler.Input) (*handler.Result, error) {
	nodeID := in.NodeID
	cursor := in.State.BatchCursor(nodeID)

	items, haveItems := in.State.Items(nodeID)
	if in.State.LoopCount(nodeID) == 0 {
		if cfgItems, ok := configItems(in.Config, "items"); ok {
			items = cfgItems
		} else if inputItems, ok := in.Data["items"].([]any); ok {
			items = inputItems
		}
		haveItems = true
		in.State.SetItems(nodeID, items)
	} else {
		in.State.Accumulate(nodeID, in.Data)
	}

	batchSize := 1
	if n, ok := configInt(in.Config, "batch_size"); ok && n > 0 {
		batchSize = n
	}

	if !haveItems || cursor >= len(items) {
		return handler.Routed(handler.HandleDone, map[string]any{
			"results": in.State.Accumulated(nodeID),
			"batches": in.State.LoopCount(nodeID),
		}), nil
	}

	end := cursor + batchSize
	if end > len(items) {
		end = len(items)
	}
	batch := items[cursor:end]
	in.State.SetBatchCursor(nodeID, end)
	in.State.IncrementLoop(nodeID)

	return handler.Routed(handler.HandleLoop, map[string]any{
		"items":       append([]any(nil), batch...),
		"batch_index": in.State.LoopCount(nodeID) - 1,
		"remaining":   len(items) - end,
	}), nil
}
