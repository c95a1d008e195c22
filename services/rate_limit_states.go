package services

import (
	"sort"
	"time"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

const (
	statesDefaultLimit = 20
	statesMaxLimit     = 100
)

// ListStates merges the two mitigation sources, counter rows and manual
// blocks, into one feed ordered most-urgent first. Automatic entries sort
// on their block expiry (window end when unblocked), manual entries on
// their scheduled unblock (issue time when indefinite). Ties order
// automatic before manual, then by id.
func (svc *LimitService) ListStates(req dto.ListStatesRequest) (*dto.ListStatesResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = statesDefaultLimit
	}
	if limit > statesMaxLimit {
		limit = statesMaxLimit
	}

	module := req.Module
	if module == shared.ModuleAll {
		module = ""
	}

	cur := dto.DecodeStateCursor(req.Cursor)
	afterID := ""
	if cur != nil {
		afterID = cur.StateCursor
	}

	counters, err := svc.store.ListCounters(module, req.Search, limit+1, afterID)
	if err != nil {
		return nil, err
	}

	blocks, err := svc.store.ListActiveBlocks(module, req.Search)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entries := make([]mergedState, 0, len(counters)+len(blocks))
	blocksByIdentity := map[string]*model.ManualBlock{}

	for i := range blocks {
		b := &blocks[i]
		if b.Expired(now) {
			continue
		}
		if key := b.Key(); key != "" && b.Module != shared.ModuleAll {
			if _, taken := blocksByIdentity[key+"\x00"+b.Module]; !taken {
				blocksByIdentity[key+"\x00"+b.Module] = b
			}
		}
		entries = append(entries, manualEntry(b))
	}

	counterIdentity := map[string]bool{}
	for i := range counters {
		st := &counters[i]
		counterIdentity[st.Key+"\x00"+st.Module] = true
		entries = append(entries, counterEntry(st, blocksByIdentity[st.Key+"\x00"+st.Module]))
	}

	// A manual block whose (key, module) pair has a counter row is shown
	// attached to that row, not as its own entry. The counter row may sit
	// on a later page, so probe the store for pairs outside this fetch.
	// The covered count feeds the totals below.
	coveredManual := int64(0)
	filtered := entries[:0]
	for _, e := range entries {
		if e.source == shared.SourceManual && e.block != nil {
			key := e.block.Key()
			if key != "" && e.block.Module != shared.ModuleAll {
				ident := key + "\x00" + e.block.Module
				if counterIdentity[ident] {
					coveredManual++
					continue
				}
				exists, err := svc.store.CounterExists(key, e.block.Module)
				if err != nil {
					return nil, err
				}
				if exists {
					coveredManual++
					continue
				}
			}
		}
		filtered = append(filtered, e)
	}
	entries = filtered

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].sortKey != entries[j].sortKey {
			return entries[i].sortKey > entries[j].sortKey
		}
		if entries[i].rank != entries[j].rank {
			return entries[i].rank < entries[j].rank
		}
		return entries[i].item.ID < entries[j].item.ID
	})

	if cur != nil && cur.LastEntry != nil {
		entries = entriesAfter(entries, cur.LastEntry)
	}

	hasMore := false
	if len(entries) > limit {
		entries = entries[:limit]
		hasMore = true
	}

	items := make([]dto.StateItem, 0, len(entries))
	lastAutoID := afterID
	for _, e := range entries {
		items = append(items, e.item)
		if e.source == shared.SourceAutomatic {
			lastAutoID = e.item.ID
		}
	}

	totalStates, err := svc.store.CountCounters(module, req.Search)
	if err != nil {
		return nil, err
	}
	totalManual, err := svc.store.CountActiveBlocks(module, req.Search)
	if err != nil {
		return nil, err
	}
	// Blocks folded into a counter entry are not separate items; the pages
	// must sum to exactly the reported total.
	totalManual -= coveredManual
	if totalManual < 0 {
		totalManual = 0
	}

	resp := &dto.ListStatesResponse{
		Items:       items,
		TotalStates: totalStates,
		TotalManual: totalManual,
		Total:       totalStates + totalManual,
	}

	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		next := &dto.StateCursor{
			StateCursor: lastAutoID,
			LastEntry: &dto.CursorEntry{
				ID:      last.item.ID,
				Source:  last.source,
				SortKey: last.sortKey,
				TieKey:  last.item.ID,
			},
		}
		resp.NextCursor = next.Encode()
	}
	return resp, nil
}

type mergedState struct {
	item    dto.StateItem
	source  string
	sortKey int64
	rank    int
	block   *model.ManualBlock
}

func counterEntry(st *model.RateLimitState, active *model.ManualBlock) mergedState {
	sortKey := st.WindowEnd.UnixMilli()
	if st.BlockedUntil != nil {
		sortKey = st.BlockedUntil.UnixMilli()
	}

	item := dto.StateItem{
		Source:       shared.SourceAutomatic,
		ID:           st.ID,
		Key:          st.Key,
		Module:       st.Module,
		Count:        st.Count,
		WindowStart:  &st.WindowStart,
		WindowEnd:    &st.WindowEnd,
		BlockedUntil: st.BlockedUntil,
		UpdatedAt:    st.UpdatedAt,
		ActiveBlock:  active,
	}
	if active != nil {
		item.Reason = active.Reason
		item.BlockedBy = active.BlockedBy
	}
	return mergedState{item: item, source: shared.SourceAutomatic, sortKey: sortKey, rank: 0}
}

func manualEntry(b *model.ManualBlock) mergedState {
	sortKey := b.BlockedAt.UnixMilli()
	if b.UnblockedAt != nil {
		sortKey = b.UnblockedAt.UnixMilli()
	}

	return mergedState{
		item: dto.StateItem{
			Source:       shared.SourceManual,
			ID:           b.ID,
			Key:          b.Key(),
			Module:       b.Module,
			BlockedUntil: b.UnblockedAt,
			UpdatedAt:    b.UpdatedAt,
			ActiveBlock:  b,
			Reason:       b.Reason,
			BlockedBy:    b.BlockedBy,
		},
		source:  shared.SourceManual,
		sortKey: sortKey,
		rank:    1,
		block:   b,
	}
}

// entriesAfter drops everything at or before the cursor position in the
// merge order, so pages never repeat or skip entries even when rows moved
// between fetches.
func entriesAfter(entries []mergedState, last *dto.CursorEntry) []mergedState {
	lastRank := 0
	if last.Source == shared.SourceManual {
		lastRank = 1
	}

	out := entries[:0]
	for _, e := range entries {
		if e.sortKey > last.SortKey {
			continue
		}
		if e.sortKey == last.SortKey {
			if e.rank < lastRank {
				continue
			}
			if e.rank == lastRank && e.item.ID <= last.TieKey {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
