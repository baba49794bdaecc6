package engine

// Envelope is the result of a query. It carries exactly one data key: entries,
// entry, assets or asset. A count-only query replaces the data key with count.
type Envelope struct {
	ContentTypeUID string
	Locale         string

	Single    bool
	CountOnly bool

	Documents []Document
	Document  Document

	// Count is set for count-only queries and when the total was requested
	Count *int

	// ContentType is the schema, set when it was requested
	ContentType Document
}

// DataKey returns the key the documents are published under
func (e *Envelope) DataKey() string {
	switch {
	case e.ContentTypeUID == AssetContentType && e.Single:
		return "asset"
	case e.ContentTypeUID == AssetContentType:
		return "assets"
	case e.Single:
		return "entry"
	}
	return "entries"
}

// Map returns the envelope as the object callers serialize
func (e *Envelope) Map() map[string]interface{} {
	out := map[string]interface{}{
		"content_type_uid": e.ContentTypeUID,
		"locale":           e.Locale,
	}

	if !e.CountOnly {
		if e.Single {
			out[e.DataKey()] = e.Document
		} else {
			docs := e.Documents
			if docs == nil {
				docs = []Document{}
			}
			out[e.DataKey()] = docs
		}
	}

	if e.Count != nil {
		out["count"] = *e.Count
	}
	if e.ContentType != nil {
		out["content_type"] = e.ContentType
	}
	return out
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Map())
}

func (e *Envelope) MarshalYAML() (interface{}, error) {
	return e.Map(), nil
}
