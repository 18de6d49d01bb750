// Package sourcestore resolves submitted source file references into
// readable streams. Workers never buffer whole files: every store hands back
// a reader the pipeline consumes row by row.
package sourcestore

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Store opens a source file reference for reading.
type Store interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Resolver routes references to the store that understands them: "s3://"
// references go to the object store, everything else resolves against the
// local data root.
type Resolver struct {
	local  Store
	object Store
}

// NewResolver builds a resolver. The object store may be nil when no bucket
// is configured; s3 references then fail with a configuration error.
func NewResolver(local, object Store) *Resolver {
	return &Resolver{local: local, object: object}
}

// Open resolves the reference and opens it.
func (r *Resolver) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if strings.HasPrefix(ref, "s3://") {
		if r.object == nil {
			return nil, fmt.Errorf("sourcestore: s3 reference %q but no object store configured", ref)
		}
		return r.object.Open(ctx, ref)
	}
	return r.local.Open(ctx, ref)
}
