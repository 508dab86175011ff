package common

import (
	"context"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// UpdateLogTags build a new log.Fields from the component's base tags, extended with the
// session or request parameters attached to the context (if any)
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for k, v := range original {
		newLogTags[k] = v
	}
	if ctxt == nil {
		return newLogTags, nil
	}
	if ctxt.Value(RequestParam{}) != nil {
		v, ok := ctxt.Value(RequestParam{}).(RequestParam)
		if ok {
			v.UpdateLogTags(newLogTags)
		}
	}
	return newLogTags, nil
}
