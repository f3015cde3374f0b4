package domain

// MetadataKeyPersisted marks which metadata keys another tool persisted on an
// item. When present it must be a list of strings for the item to count as a
// token.
const MetadataKeyPersisted = "com.desain.persistence/persistedKeys"

// Key is the identity key correlating live tokens with persisted records.
// Several live items may share one key.
type Key string

// IsToken reports whether the item is a trackable token. It never fails:
// unexpected shapes simply classify as "not a token".
func IsToken(item Item) bool {
	if item.Type != ItemTypeImage || item.Image == nil {
		return false
	}
	marker, ok := item.Metadata[MetadataKeyPersisted]
	if !ok {
		return true
	}
	switch keys := marker.(type) {
	case []string:
		return true
	case []any:
		for _, k := range keys {
			if _, isString := k.(string); !isString {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// TokenKey returns the identity key of a token: its image URL.
func TokenKey(item Item) Key {
	if item.Image == nil {
		return ""
	}
	return Key(item.Image.URL)
}

// FilterTokens returns the items that classify as tokens, in input order.
func FilterTokens(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if IsToken(it) {
			out = append(out, it)
		}
	}
	return out
}
