package aggregator

// Downsample buckets a record's items into coarser, intervalSec-wide
// buckets. intervalSec <= 1 is a no-op (the record is returned unchanged).
//
// Bucket assignment rounds each timestamp up to the next multiple of
// intervalSec: new_ts = t + (intervalSec - t mod intervalSec). Counters
// are summed within a bucket; map-valued counters (kv_exec_count) are
// summed element-wise.
//
// Invariant: the total across all output buckets of any counter equals the
// total across the input items of the same counter.
func Downsample(r Record, intervalSec int64) Record {
	if intervalSec <= 1 {
		return r
	}

	byBucket := make(map[int64]Item)
	for _, it := range r.Items {
		bucketTS := bucketTimestamp(it.TimestampSec, intervalSec)
		bucketed := it
		bucketed.TimestampSec = bucketTS
		byBucket[bucketTS] = mergeItem(byBucket[bucketTS], bucketed)
	}

	items := make([]Item, 0, len(byBucket))
	for _, it := range byBucket {
		items = append(items, it)
	}
	sortByTimestamp(items)

	return Record{Digest: r.Digest, Items: items}
}

func bucketTimestamp(t, intervalSec int64) int64 {
	return t + (intervalSec - t%intervalSec)
}

// DownsampleAll applies Downsample to every record in records.
func DownsampleAll(records []Record, intervalSec int64) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = Downsample(r, intervalSec)
	}
	return out
}
