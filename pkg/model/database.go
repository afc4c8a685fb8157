package model

import (
	"sort"
	"strings"
)

type DatabaseType string

const (
	DatabaseVector DatabaseType = "VECTOR"
	DatabaseGraph  DatabaseType = "GRAPH"
)

type AccessType string

const (
	AccessRead      AccessType = "READ"
	AccessWrite     AccessType = "WRITE"
	AccessReadWrite AccessType = "READ_WRITE"
)

func (a AccessType) AllowsRead() bool  { return a == AccessRead || a == AccessReadWrite }
func (a AccessType) AllowsWrite() bool { return a == AccessWrite || a == AccessReadWrite }

// DatabaseAccess grants a sandbox access to namespaces of one shared datastore.
type DatabaseAccess struct {
	DatabaseType DatabaseType `json:"database_type" yaml:"database_type"`
	AccessType   AccessType   `json:"access_type" yaml:"access_type"`
	Namespaces   []string     `json:"namespaces" yaml:"namespaces"`
}

// Normalize upper-cases enum values and returns a sorted, de-duplicated namespace set.
func (a DatabaseAccess) Normalize() DatabaseAccess {
	a.DatabaseType = DatabaseType(strings.ToUpper(strings.TrimSpace(string(a.DatabaseType))))
	a.AccessType = AccessType(strings.ToUpper(strings.TrimSpace(string(a.AccessType))))
	seen := make(map[string]struct{}, len(a.Namespaces))
	namespaces := make([]string, 0, len(a.Namespaces))
	for _, ns := range a.Namespaces {
		ns = strings.TrimSpace(ns)
		if _, ok := seen[ns]; ok {
			continue
		}
		seen[ns] = struct{}{}
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	a.Namespaces = namespaces
	return a
}

func (a DatabaseAccess) Validate() error {
	a = a.Normalize()
	switch a.DatabaseType {
	case DatabaseVector, DatabaseGraph:
	default:
		return NewConfigurationError("invalid database_type %q", string(a.DatabaseType))
	}
	switch a.AccessType {
	case AccessRead, AccessWrite, AccessReadWrite:
	default:
		return NewConfigurationError("invalid access_type %q", string(a.AccessType))
	}
	if len(a.Namespaces) == 0 {
		return NewConfigurationError("%s access requires at least one namespace", a.DatabaseType)
	}
	for _, ns := range a.Namespaces {
		if ns == "" {
			return NewConfigurationError("%s access contains an empty namespace", a.DatabaseType)
		}
	}
	return nil
}

// Permits reports whether the grant covers namespace ns of type t for the requested operation.
func (a DatabaseAccess) Permits(t DatabaseType, ns string, write bool) bool {
	if a.DatabaseType != t {
		return false
	}
	if write && !a.AccessType.AllowsWrite() {
		return false
	}
	if !write && !a.AccessType.AllowsRead() {
		return false
	}
	for _, n := range a.Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// NormalizeAccess normalizes a list of grants and sorts it by type then access.
func NormalizeAccess(in []DatabaseAccess) []DatabaseAccess {
	out := make([]DatabaseAccess, 0, len(in))
	for _, a := range in {
		out = append(out, a.Normalize())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DatabaseType != out[j].DatabaseType {
			return out[i].DatabaseType < out[j].DatabaseType
		}
		if out[i].AccessType != out[j].AccessType {
			return out[i].AccessType < out[j].AccessType
		}
		return strings.Join(out[i].Namespaces, ",") < strings.Join(out[j].Namespaces, ",")
	})
	return out
}
