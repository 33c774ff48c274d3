package oracle

import (
	"maps"
	"slices"

	"github.com/msageha/cogno/internal/model"
)

// Reply schemas in the strict JSON Schema subset: every property required,
// optional values expressed as nullable types.

func object(props map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             slices.Sorted(maps.Keys(props)),
		"additionalProperties": false,
	}
}

func arrayOf(item any) map[string]any {
	return map[string]any{"type": "array", "items": item}
}

var (
	str         = map[string]any{"type": "string"}
	nullableStr = map[string]any{"type": []string{"string", "null"}}
	integer     = map[string]any{"type": "integer"}
	idList      = arrayOf(integer)
)

var resolutionSchema = object(map[string]any{
	"updates": arrayOf(object(map[string]any{
		"task_id":             integer,
		"new_title":           nullableStr,
		"new_description":     str,
		"assignee_member_ids": idList,
		"deadline":            nullableStr,
	})),
	"creates": arrayOf(object(map[string]any{
		"source_type":         map[string]any{"type": "string", "enum": []string{string(model.SourceNote), string(model.SourceChat)}},
		"source_id":           str,
		"title":               str,
		"description":         str,
		"assignee_member_ids": idList,
		"deadline":            nullableStr,
	})),
})

var draftsSchema = object(map[string]any{
	"notifications": arrayOf(object(map[string]any{
		"task_id":          integer,
		"title":            str,
		"body":             str,
		"due_date":         str,
		"reaction_choices": map[string]any{"type": []string{"array", "null"}, "items": str},
		"reacted_at":       nullableStr,
	})),
})

var consolidationSchema = object(map[string]any{
	"delete": arrayOf(object(map[string]any{
		"notification_id": integer,
		"reason":          str,
	})),
	"merge_or_update": arrayOf(object(map[string]any{
		"notification_id": integer,
		"absorb_ids":      idList,
		"new_title":       str,
		"new_body":        str,
		"new_due_date":    nullableStr,
		"reason":          str,
	})),
})

var summarySchema = object(map[string]any{
	"content": str,
})

type stageSpec struct {
	name     string
	schema   map[string]any
	required []string
}

var stageSpecs = map[model.Stage]stageSpec{
	model.StageResolve:     {"task_resolution", resolutionSchema, []string{"updates", "creates"}},
	model.StageGenerate:    {"notification_drafts", draftsSchema, []string{"notifications"}},
	model.StageConsolidate: {"notification_consolidation", consolidationSchema, []string{"delete", "merge_or_update"}},
	model.StageSummarize:   {"working_memory", summarySchema, []string{"content"}},
}
