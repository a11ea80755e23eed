package permissions

import "encoding/json"

// FilterDescriptor is one cached row filter: the entity it scopes plus the
// serialized expression tree a data service deserializes and applies.
type FilterDescriptor struct {
	DbContext  string          `json:"dbContext"`
	Entity     string          `json:"entity"`
	Expression json.RawMessage `json:"expression"`
}

// APIKey canonicalizes an endpoint grant as "path|method".
func APIKey(path, method string) string {
	return path + "|" + method
}
