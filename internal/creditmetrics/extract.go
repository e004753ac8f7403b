package creditmetrics

import "strconv"

// Extractor locates the credit-data node inside a raw bureau document.
type Extractor func(doc map[string]any) (map[string]any, bool)

// DefaultExtractors lists the report shapes seen from the bureau, most
// specific first.
var DefaultExtractors = []Extractor{
	Path("consumerCreditData", "0"),
	Path("data", "consumerCreditData", "0"),
	Path("response", "data", "consumerCreditData", "0"),
	Path("result", "consumerCreditData", "0"),
	BareReport,
}

// Path walks object keys and array indexes. A segment that parses as an
// integer indexes into an array.
func Path(segments ...string) Extractor {
	return func(doc map[string]any) (map[string]any, bool) {
		var cur any = doc
		for _, seg := range segments {
			switch node := cur.(type) {
			case map[string]any:
				next, ok := node[seg]
				if !ok {
					return nil, false
				}
				cur = next
			case []any:
				idx, err := strconv.Atoi(seg)
				if err != nil || idx < 0 || idx >= len(node) {
					return nil, false
				}
				cur = node[idx]
			default:
				return nil, false
			}
		}
		obj, ok := cur.(map[string]any)
		return obj, ok
	}
}

// BareReport accepts a document that is itself the credit-data node.
func BareReport(doc map[string]any) (map[string]any, bool) {
	_, hasAccounts := doc["accounts"]
	_, hasEnquiries := doc["enquiries"]
	if hasAccounts || hasEnquiries {
		return doc, true
	}
	return nil, false
}

func locate(doc map[string]any, extractors []Extractor) (map[string]any, bool) {
	if doc == nil {
		return nil, false
	}
	for _, extract := range extractors {
		if node, ok := extract(doc); ok {
			return node, true
		}
	}
	return nil, false
}
