// Package aggregator implements the two per-subscriber reduction stages
// applied to raw TopSQL records before they reach the host pipeline:
// top-N-with-others retention (§4.10) and timestamp downsampling (§4.11).
package aggregator

// Digest identifies a TopSQL record: (sql_digest, plan_digest) for TiDB
// records, or a resource-group-tag byte string for TiKV records. The zero
// value (both empty) is the canonical "already others" / catch-all key.
type Digest struct {
	SQLDigest        string
	PlanDigest       string
	ResourceGroupTag string
	TagLabel         string // TiKV only: row/index/unknown, see ClassifyTagLabel
}

// Empty reports whether d is the catch-all "others" digest.
func (d Digest) Empty() bool {
	return d.SQLDigest == "" && d.PlanDigest == "" && d.ResourceGroupTag == ""
}

// Item is one per-second counter bucket. Fields not meaningful for a given
// upstream (TiDB vs TiKV) are left zero. Field names on the wire match the
// original implementation's metric names, so a downstream consumer built
// against that wire format keeps working unchanged.
type Item struct {
	TimestampSec  int64             `json:"timestamp_sec"`
	CPUTimeMs     uint64            `json:"cpu_time_ms"`
	ExecCount     uint64            `json:"stmt_exec_count,omitempty"`
	KVExecCount   map[string]uint64 `json:"stmt_kv_exec_count,omitempty"` // TiDB only: per-TiKV-instance exec count
	DurationSumNs uint64            `json:"stmt_duration_sum_ns,omitempty"`
	DurationCount uint64            `json:"stmt_duration_count,omitempty"`
	ReadKeys      uint64            `json:"read_keys,omitempty"` // TiKV only
	WriteKeys     uint64            `json:"write_keys,omitempty"` // TiKV only
}

// mergeItem returns the element-wise sum of a and b. The returned item's
// timestamp is taken from whichever operand has one set; callers merge only
// items that already share a timestamp.
func mergeItem(a, b Item) Item {
	out := Item{
		TimestampSec:  a.TimestampSec,
		CPUTimeMs:     a.CPUTimeMs + b.CPUTimeMs,
		ExecCount:     a.ExecCount + b.ExecCount,
		DurationSumNs: a.DurationSumNs + b.DurationSumNs,
		DurationCount: a.DurationCount + b.DurationCount,
		ReadKeys:      a.ReadKeys + b.ReadKeys,
		WriteKeys:     a.WriteKeys + b.WriteKeys,
	}
	if out.TimestampSec == 0 {
		out.TimestampSec = b.TimestampSec
	}
	if len(a.KVExecCount) > 0 || len(b.KVExecCount) > 0 {
		out.KVExecCount = make(map[string]uint64, len(a.KVExecCount)+len(b.KVExecCount))
		for k, v := range a.KVExecCount {
			out.KVExecCount[k] += v
		}
		for k, v := range b.KVExecCount {
			out.KVExecCount[k] += v
		}
	}
	return out
}

// Record is a digest's time series of per-second Items.
type Record struct {
	Digest Digest
	Items  []Item
}
