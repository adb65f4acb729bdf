package aggregator

import "testing"

func TestDownsample_NoOpBelowOrAtOne(t *testing.T) {
	r := Record{Items: []Item{{TimestampSec: 5, CPUTimeMs: 1}}}
	got := Downsample(r, 1)
	if len(got.Items) != 1 || got.Items[0].TimestampSec != 5 {
		t.Errorf("expected no-op for intervalSec=1, got %+v", got)
	}
	got = Downsample(r, 0)
	if len(got.Items) != 1 || got.Items[0].TimestampSec != 5 {
		t.Errorf("expected no-op for intervalSec=0, got %+v", got)
	}
}

func TestDownsample_BucketsAndSums(t *testing.T) {
	r := Record{
		Items: []Item{
			{TimestampSec: 1, CPUTimeMs: 10, ExecCount: 1},
			{TimestampSec: 9, CPUTimeMs: 20, ExecCount: 2},
			{TimestampSec: 11, CPUTimeMs: 30, ExecCount: 3},
		},
	}

	got := Downsample(r, 10)

	if len(got.Items) != 2 {
		t.Fatalf("expected 2 buckets, got %d: %+v", len(got.Items), got.Items)
	}
	if got.Items[0].TimestampSec != 10 || got.Items[0].CPUTimeMs != 30 || got.Items[0].ExecCount != 3 {
		t.Errorf("first bucket = %+v, want ts=10 cpu=30 exec=3", got.Items[0])
	}
	if got.Items[1].TimestampSec != 20 || got.Items[1].CPUTimeMs != 30 || got.Items[1].ExecCount != 3 {
		t.Errorf("second bucket = %+v, want ts=20 cpu=30 exec=3", got.Items[1])
	}
}

func TestDownsample_SumInvariant(t *testing.T) {
	r := Record{
		Items: []Item{
			{TimestampSec: 3, CPUTimeMs: 7},
			{TimestampSec: 4, CPUTimeMs: 8},
			{TimestampSec: 17, CPUTimeMs: 2},
			{TimestampSec: 23, CPUTimeMs: 5},
		},
	}

	var wantSum uint64
	for _, it := range r.Items {
		wantSum += it.CPUTimeMs
	}

	got := Downsample(r, 5)

	var gotSum uint64
	for _, it := range got.Items {
		gotSum += it.CPUTimeMs
	}
	if gotSum != wantSum {
		t.Errorf("cpu_time_ms sum after downsampling = %d, want %d", gotSum, wantSum)
	}
}

func TestDownsample_KVExecCountElementwiseSum(t *testing.T) {
	r := Record{
		Items: []Item{
			{TimestampSec: 1, KVExecCount: map[string]uint64{"tikv1": 1}},
			{TimestampSec: 9, KVExecCount: map[string]uint64{"tikv1": 2, "tikv2": 5}},
		},
	}

	got := Downsample(r, 10)
	if len(got.Items) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(got.Items))
	}
	if got.Items[0].KVExecCount["tikv1"] != 3 {
		t.Errorf("kv_exec_count[tikv1] = %d, want 3", got.Items[0].KVExecCount["tikv1"])
	}
	if got.Items[0].KVExecCount["tikv2"] != 5 {
		t.Errorf("kv_exec_count[tikv2] = %d, want 5", got.Items[0].KVExecCount["tikv2"])
	}
}
