package aggregator

import "sort"

// taggedItem pairs an Item with the digest it came from, for the duration
// of the per-timestamp sort-and-split below.
type taggedItem struct {
	digest Digest
	item   Item
}

// TopN retains, independently per timestamp second, the topN highest
// cpu_time_ms records and sums everything else into a catch-all "others"
// record. Records whose digest is already the "others" digest are merged
// straight into the output others bucket without competing for a top-N
// slot. topN <= 0 disables trimming entirely (every record passes through
// unchanged).
//
// Invariant: for any counter and any timestamp, the sum across the
// returned records equals the sum across the input records at that
// timestamp.
func TopN(records []Record, topN int) []Record {
	othersByTS := make(map[int64]Item)
	var real []Record

	for _, r := range records {
		if r.Digest.Empty() {
			for _, it := range r.Items {
				othersByTS[it.TimestampSec] = mergeItem(othersByTS[it.TimestampSec], it)
			}
			continue
		}
		real = append(real, r)
	}

	byTS := make(map[int64][]taggedItem)
	for _, r := range real {
		for _, it := range r.Items {
			byTS[it.TimestampSec] = append(byTS[it.TimestampSec], taggedItem{r.Digest, it})
		}
	}

	kept := make(map[Digest][]Item)
	for ts, items := range byTS {
		if topN > 0 && len(items) > topN {
			sort.Slice(items, func(i, j int) bool {
				return items[i].item.CPUTimeMs > items[j].item.CPUTimeMs
			})
			top, tail := items[:topN], items[topN:]
			for _, t := range top {
				kept[t.digest] = append(kept[t.digest], t.item)
			}

			tailSum := Item{TimestampSec: ts}
			for _, t := range tail {
				tailSum = mergeItem(tailSum, t.item)
			}
			othersByTS[ts] = mergeItem(othersByTS[ts], tailSum)
			continue
		}
		for _, t := range items {
			kept[t.digest] = append(kept[t.digest], t.item)
		}
	}

	out := make([]Record, 0, len(kept)+1)
	for digest, items := range kept {
		sortByTimestamp(items)
		out = append(out, Record{Digest: digest, Items: items})
	}
	if len(othersByTS) > 0 {
		items := make([]Item, 0, len(othersByTS))
		for _, it := range othersByTS {
			items = append(items, it)
		}
		sortByTimestamp(items)
		out = append(out, Record{Digest: Digest{}, Items: items})
	}
	return out
}

func sortByTimestamp(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].TimestampSec < items[j].TimestampSec })
}
