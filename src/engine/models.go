package engine

// Document is one entry or asset as stored by the sync process. It always carries
// a uid and a content_type_uid.
type Document = map[string]interface{}

const (
	// AssetContentType is the pseudo content type uid assets are stored and referenced under
	AssetContentType = "_assets"

	FieldUID            = "uid"
	FieldContentTypeUID = "content_type_uid"
	FieldTags           = "tags"

	// keys of a reference marker
	FieldReferenceTo = "reference_to"
	FieldValues      = "values"

	// documents carrying this field are still being downloaded or uploaded by the
	// sync process and are never returned
	FieldSyncStatus = "_sync_status"
)

// isReferenceMarker reports whether value is an unresolved reference, an object
// holding exactly reference_to and values.
func isReferenceMarker(value interface{}) (string, interface{}, bool) {
	obj, ok := value.(map[string]interface{})
	if !ok || len(obj) != 2 {
		return "", nil, false
	}
	target, ok := obj[FieldReferenceTo].(string)
	if !ok || target == "" {
		return "", nil, false
	}
	values, ok := obj[FieldValues]
	if !ok {
		return "", nil, false
	}
	return target, values, true
}

// referenceUIDs normalizes the values of a marker to a uid list. multiple is false
// when the marker held a single scalar uid.
func referenceUIDs(values interface{}) (uids []string, multiple bool) {
	switch v := values.(type) {
	case string:
		if v == "" {
			return nil, false
		}
		return []string{v}, false
	case []interface{}:
		uids = make([]string, 0, len(v))
		for _, item := range v {
			if uid, ok := item.(string); ok && uid != "" {
				uids = append(uids, uid)
			}
		}
		return uids, true
	case []string:
		return append([]string(nil), v...), true
	default:
		return nil, true
	}
}

// placeholder is what an unresolved or empty reference turns into: an empty list
// for list markers, an empty object for scalar ones.
func placeholder(multiple bool) interface{} {
	if multiple {
		return []interface{}{}
	}
	return map[string]interface{}{}
}

func documentUID(doc Document) string {
	uid, _ := doc[FieldUID].(string)
	return uid
}

// stripInternal drops documents the sync process has not finished with and
// removes bookkeeping fields from the rest. The input slice is reused.
func stripInternal(docs []Document, internalFields []string) []Document {
	out := docs[:0]
	for _, doc := range docs {
		if _, pending := doc[FieldSyncStatus]; pending {
			continue
		}
		for _, field := range internalFields {
			delete(doc, field)
		}
		out = append(out, doc)
	}
	return out
}
