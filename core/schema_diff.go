package core

// ChangeSet is the family-level difference between a live schema and the
// schema it should be reconciled to.
type ChangeSet struct {
	Added   []ColumnFamily
	Removed []ColumnFamily
}

// Empty reports whether the change set carries no work.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// DiffSchemas compares column families by exact descriptor equality (name and
// every attribute). A family whose attributes differ between the two schemas
// shows up in both Removed (old descriptor) and Added (new descriptor); there
// is no separate "modified" bucket. The returned schema keeps live's name and
// the order of live's surviving families, followed by the added families in
// backup's order.
func DiffSchemas(live, backup TableSchema) (TableSchema, ChangeSet) {
	var cs ChangeSet
	for _, f := range backup.families {
		if !live.containsExact(f) {
			cs.Added = append(cs.Added, f.clone())
		}
	}
	for _, f := range live.families {
		if !backup.containsExact(f) {
			cs.Removed = append(cs.Removed, f.clone())
		}
	}
	if cs.Empty() {
		return live, cs
	}
	return ApplyChangeSet(live, cs), cs
}

// ApplyChangeSet removes every family in cs.Removed (matched exactly) and then
// appends cs.Added, replacing any family of the same name still present.
func ApplyChangeSet(s TableSchema, cs ChangeSet) TableSchema {
	next := make([]ColumnFamily, 0, len(s.families)+len(cs.Added))
	for _, f := range s.families {
		if containsExactIn(cs.Removed, f) || containsNameIn(cs.Added, f.Name) {
			continue
		}
		next = append(next, f.clone())
	}
	for _, f := range cs.Added {
		next = append(next, f.clone())
	}
	return TableSchema{name: s.name, families: next}
}

func containsExactIn(list []ColumnFamily, f ColumnFamily) bool {
	for _, e := range list {
		if e.Equal(f) {
			return true
		}
	}
	return false
}

func containsNameIn(list []ColumnFamily, name string) bool {
	for _, e := range list {
		if e.Name == name {
			return true
		}
	}
	return false
}
