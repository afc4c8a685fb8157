package datastore

import (
	"github.com/fslongjin/sandboxd/pkg/model"
)

// Authorize checks that one of grants permits the operation on namespace.
func Authorize(grants []model.DatabaseAccess, t model.DatabaseType, namespace string, write bool) error {
	for _, g := range grants {
		if g.Permits(t, namespace, write) {
			return nil
		}
	}
	op := "read"
	if write {
		op = "write"
	}
	return model.NewDatabaseError(model.ErrAccessDenied, "%s %s on namespace %q not granted", op, t, namespace)
}

// Namespaces returns the namespaces granted for t, deduplicated in grant order.
func Namespaces(grants []model.DatabaseAccess, t model.DatabaseType) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range grants {
		if g.DatabaseType != t {
			continue
		}
		for _, ns := range g.Namespaces {
			if !seen[ns] {
				seen[ns] = true
				out = append(out, ns)
			}
		}
	}
	return out
}
