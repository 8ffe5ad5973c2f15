package api

import (
	"fmt"
	"strconv"
	"strings"
)

// String encodes the key as "<modelId>/<revisionId>".
func (k ModelRevisionKey) String() string {
	return strconv.FormatInt(int64(k.ModelID), 10) + "/" + strconv.FormatInt(int64(k.RevisionID), 10)
}

// ParseModelRevisionKey decodes the form produced by ModelRevisionKey.String.
func ParseModelRevisionKey(s string) (ModelRevisionKey, error) {
	modelPart, revisionPart, ok := strings.Cut(s, "/")
	if !ok {
		return ModelRevisionKey{}, fmt.Errorf("model revision key %q: missing '/'", s)
	}
	modelID, err := strconv.ParseInt(modelPart, 10, 64)
	if err != nil {
		return ModelRevisionKey{}, fmt.Errorf("model revision key %q: model id: %w", s, err)
	}
	revisionID, err := strconv.ParseInt(revisionPart, 10, 64)
	if err != nil {
		return ModelRevisionKey{}, fmt.Errorf("model revision key %q: revision id: %w", s, err)
	}
	return ModelRevisionKey{ModelID: ModelID(modelID), RevisionID: RevisionID(revisionID)}, nil
}

// String encodes the reference as "<space>/<externalId>".
// The space may not contain '/'; the external id may.
func (r GraphInstanceRef) String() string {
	return r.Space + "/" + r.ExternalID
}

// ParseGraphInstanceRef decodes the form produced by GraphInstanceRef.String.
func ParseGraphInstanceRef(s string) (GraphInstanceRef, error) {
	space, externalID, ok := strings.Cut(s, "/")
	if !ok || space == "" || externalID == "" {
		return GraphInstanceRef{}, fmt.Errorf("instance ref %q: want <space>/<externalId>", s)
	}
	return GraphInstanceRef{Space: space, ExternalID: externalID}, nil
}

// String encodes the view as "<space>/<externalId>/<version>".
func (v ViewRef) String() string {
	if v.Version == "" {
		return v.Space + "/" + v.ExternalID
	}
	return v.Space + "/" + v.ExternalID + "/" + v.Version
}

// UniqueKeys drops duplicate keys, keeping first occurrence order.
func UniqueKeys(keys []ModelRevisionKey) []ModelRevisionKey {
	seen := make(map[ModelRevisionKey]struct{}, len(keys))
	out := make([]ModelRevisionKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// UniqueInstances drops duplicate instance refs, keeping first occurrence order.
func UniqueInstances(refs []GraphInstanceRef) []GraphInstanceRef {
	seen := make(map[GraphInstanceRef]struct{}, len(refs))
	out := make([]GraphInstanceRef, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
