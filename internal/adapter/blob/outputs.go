package blob

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evalbox/evalbox/internal/domain"
)

// InlineScheme prefixes refs that carry the payload themselves instead of
// pointing into a blob store. Small outputs stay inline in the evaluation
// record; only larger ones earn an object.
const InlineScheme = "inline:"

// Outputs is the persisted form of a finished evaluation's streams.
type Outputs struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated,omitempty"`
}

// EncodeOutputs marshals the envelope stored behind an output ref.
func EncodeOutputs(o Outputs) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("op=blob.EncodeOutputs: %w", err)
	}
	return data, nil
}

// DecodeOutputs unmarshals an envelope fetched through an output ref.
func DecodeOutputs(data []byte) (Outputs, error) {
	var o Outputs
	if err := json.Unmarshal(data, &o); err != nil {
		return Outputs{}, fmt.Errorf("op=blob.DecodeOutputs: %w", err)
	}
	return o, nil
}

// InlineRef wraps data into a self-contained ref.
func InlineRef(data []byte) string {
	return InlineScheme + base64.StdEncoding.EncodeToString(data)
}

// Fetch resolves an output ref: inline refs decode locally, content refs hit
// the store. A nil store with a content ref is an error, not a panic.
func Fetch(ctx context.Context, store domain.BlobStore, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("op=blob.Fetch: %w: empty ref", domain.ErrInvalidArgument)
	}
	if enc, ok := strings.CutPrefix(ref, InlineScheme); ok {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("op=blob.Fetch: %w: bad inline ref", domain.ErrInvalidArgument)
		}
		return data, nil
	}
	if store == nil {
		return nil, fmt.Errorf("op=blob.Fetch: %w: no blob store for ref %q", domain.ErrInternal, ref)
	}
	return store.Get(ctx, ref)
}
