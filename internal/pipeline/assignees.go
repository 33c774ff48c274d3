package pipeline

import "github.com/msageha/cogno/internal/model"

// ResolveAssignees keeps the proposed ids that are workspace members, in proposal
// order without duplicates. When none remain every member is assigned, in member
// order, and fellBack is true. dropped lists proposed ids that are not members.
func ResolveAssignees(proposed []int64, members []model.WorkspaceMember) (ids []int64, dropped []int64, fellBack bool) {
	valid := make(map[int64]bool, len(members))
	for _, m := range members {
		valid[m.ID] = true
	}
	seen := make(map[int64]bool, len(proposed))
	for _, id := range proposed {
		if seen[id] {
			continue
		}
		seen[id] = true
		if valid[id] {
			ids = append(ids, id)
		} else {
			dropped = append(dropped, id)
		}
	}
	if len(ids) > 0 {
		return ids, dropped, false
	}
	ids = make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids, dropped, true
}
