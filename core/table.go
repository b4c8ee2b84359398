package core

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// DefaultNamespace is used when a table name carries no namespace.
const DefaultNamespace = "default"

// TableName identifies a table. It is comparable and safe to use as a map key.
type TableName struct {
	Namespace string `json:"namespace"`
	Qualifier string `json:"qualifier"`
}

// NewTableName builds a TableName, defaulting the namespace.
func NewTableName(namespace, qualifier string) TableName {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return TableName{Namespace: namespace, Qualifier: qualifier}
}

// ParseTableName parses "ns:qualifier" or a bare "qualifier".
func ParseTableName(s string) (TableName, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TableName{}, &ConfigurationError{Message: "table name is empty"}
	}
	ns, q, found := strings.Cut(s, ":")
	if !found {
		return NewTableName("", s), nil
	}
	if ns == "" || q == "" || strings.Contains(q, ":") {
		return TableName{}, &ConfigurationError{Message: fmt.Sprintf("invalid table name %q", s)}
	}
	return NewTableName(ns, q), nil
}

// IsZero reports whether the name is unset.
func (t TableName) IsZero() bool {
	return t.Qualifier == ""
}

func (t TableName) String() string {
	return t.Namespace + ":" + t.Qualifier
}

// ColumnFamily describes one column family. Attributes (compression,
// durability, versions, ...) are opaque here and compared exactly.
type ColumnFamily struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Equal compares name and every attribute.
func (f ColumnFamily) Equal(o ColumnFamily) bool {
	if f.Name != o.Name || len(f.Attributes) != len(o.Attributes) {
		return false
	}
	for k, v := range f.Attributes {
		if ov, ok := o.Attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (f ColumnFamily) clone() ColumnFamily {
	return ColumnFamily{Name: f.Name, Attributes: maps.Clone(f.Attributes)}
}

func (f ColumnFamily) String() string {
	if len(f.Attributes) == 0 {
		return "{NAME => '" + f.Name + "'}"
	}
	keys := make([]string, 0, len(f.Attributes))
	for k := range f.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("{NAME => '")
	b.WriteString(f.Name)
	b.WriteString("'")
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s => '%s'", k, f.Attributes[k])
	}
	b.WriteString("}")
	return b.String()
}

// TableSchema is an immutable table descriptor: a name plus an ordered set of
// uniquely named column families. Use the With* methods to derive new values.
type TableSchema struct {
	name     TableName
	families []ColumnFamily
}

// NewTableSchema validates family-name uniqueness and copies the input.
func NewTableSchema(name TableName, families ...ColumnFamily) (TableSchema, error) {
	if name.IsZero() {
		return TableSchema{}, &ConfigurationError{Message: "table schema requires a table name"}
	}
	seen := make(map[string]struct{}, len(families))
	cp := make([]ColumnFamily, 0, len(families))
	for _, f := range families {
		if f.Name == "" {
			return TableSchema{}, &ConfigurationError{Message: fmt.Sprintf("table %s has a column family with an empty name", name)}
		}
		if _, dup := seen[f.Name]; dup {
			return TableSchema{}, &ConfigurationError{Message: fmt.Sprintf("table %s declares column family %q twice", name, f.Name)}
		}
		seen[f.Name] = struct{}{}
		cp = append(cp, f.clone())
	}
	return TableSchema{name: name, families: cp}, nil
}

// MustTableSchema is NewTableSchema for statically known inputs.
func MustTableSchema(name TableName, families ...ColumnFamily) TableSchema {
	s, err := NewTableSchema(name, families...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s TableSchema) Name() TableName { return s.name }

// IsZero reports whether the schema is unset.
func (s TableSchema) IsZero() bool { return s.name.IsZero() }

// Families returns a copy of the column families in declaration order.
func (s TableSchema) Families() []ColumnFamily {
	out := make([]ColumnFamily, len(s.families))
	for i, f := range s.families {
		out[i] = f.clone()
	}
	return out
}

// FamilyNames returns the family names in declaration order.
func (s TableSchema) FamilyNames() []string {
	out := make([]string, len(s.families))
	for i, f := range s.families {
		out[i] = f.Name
	}
	return out
}

// Family looks a family up by name.
func (s TableSchema) Family(name string) (ColumnFamily, bool) {
	for _, f := range s.families {
		if f.Name == name {
			return f.clone(), true
		}
	}
	return ColumnFamily{}, false
}

// HasFamily reports whether a family with this name exists.
func (s TableSchema) HasFamily(name string) bool {
	_, ok := s.Family(name)
	return ok
}

// WithName returns a copy of the schema under a different table name.
func (s TableSchema) WithName(name TableName) TableSchema {
	return TableSchema{name: name, families: s.Families()}
}

func (s TableSchema) containsExact(f ColumnFamily) bool {
	for _, e := range s.families {
		if e.Equal(f) {
			return true
		}
	}
	return false
}

func (s TableSchema) String() string {
	parts := make([]string, len(s.families))
	for i, f := range s.families {
		parts[i] = f.String()
	}
	return fmt.Sprintf("'%s', %s", s.name, strings.Join(parts, ", "))
}

// SchemaDocument is the serialized form of a TableSchema.
type SchemaDocument struct {
	Table    TableName      `json:"table"`
	Families []ColumnFamily `json:"families"`
}

// Document converts the schema into its serializable form.
func (s TableSchema) Document() SchemaDocument {
	return SchemaDocument{Table: s.name, Families: s.Families()}
}

// Schema validates the document and converts it back.
func (d SchemaDocument) Schema() (TableSchema, error) {
	return NewTableSchema(d.Table, d.Families...)
}
