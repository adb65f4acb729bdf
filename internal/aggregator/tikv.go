package aggregator

// TiKV resource-group-tag labels. A tag's label field distinguishes requests
// serving a table's row data from requests serving a secondary index; any
// other value (including unset) is reported as unknown rather than guessed.
const (
	TagLabelRow     = "row"
	TagLabelIndex   = "index"
	TagLabelUnknown = "unknown"
)

// ClassifyTagLabel maps a decoded resource-group-tag's numeric label to the
// row/index/unknown classification carried on Digest.TagLabel. Decoding the
// tag's protobuf bytes into sql_digest/plan_digest/label is left to the
// concrete Dialer (see the subscriber package doc comment); this function is
// the piece of that decode a Dialer implementation calls once it has the
// label field in hand.
func ClassifyTagLabel(label int32) string {
	switch label {
	case 1:
		return TagLabelRow
	case 2:
		return TagLabelIndex
	default:
		return TagLabelUnknown
	}
}
