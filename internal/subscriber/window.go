package subscriber

import "github.com/pingcap/tidb-pipeline-extensions/internal/aggregator"

// windowBuffer accumulates received records, grouped by digest, between
// flushes. It is owned exclusively by one subscriber's streaming loop.
type windowBuffer struct {
	byDigest map[aggregator.Digest][]aggregator.Item
}

func newWindowBuffer() *windowBuffer {
	return &windowBuffer{byDigest: make(map[aggregator.Digest][]aggregator.Item)}
}

func (w *windowBuffer) add(r Record) {
	w.byDigest[r.Digest] = append(w.byDigest[r.Digest], r.Item)
}

// drain empties the buffer and returns its contents as aggregator Records,
// ready to be handed to aggregator.TopN.
func (w *windowBuffer) drain() []aggregator.Record {
	if len(w.byDigest) == 0 {
		return nil
	}
	out := make([]aggregator.Record, 0, len(w.byDigest))
	for digest, items := range w.byDigest {
		out = append(out, aggregator.Record{Digest: digest, Items: items})
	}
	w.byDigest = make(map[aggregator.Digest][]aggregator.Item)
	return out
}
