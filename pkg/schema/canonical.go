package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Canonicalize produces the byte-stable representation used to compute
// a schema's hash (spec.md §6): map keys in byte-lex order, field-type
// enumerations as their exact lowercase strings (guaranteed by the
// FieldType constants already being lowercase), and JSON's own
// round-trippable float encoding. encoding/json already sorts map keys
// byte-lexically on marshal, which is why it is used here rather than
// a hand-rolled walker.
func Canonicalize(s Schema) ([]byte, error) {
	doc := toCanonicalDoc(s)
	return json.Marshal(doc)
}

// Hash returns the 64-hex sha256 digest of the schema's canonical form.
// This is the identity the Schema Registry uses to detect modification
// (spec.md §3, §6: `schema_hash = hex(sha256(canonical_bytes))`).
func Hash(s Schema) (string, error) {
	b, err := Canonicalize(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports structural equality between two schemas by comparing
// their canonical forms, sidestepping Go map-ordering non-determinism.
func Equal(a, b Schema) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return string(ca) == string(cb), nil
}

// toCanonicalDoc keeps maps as maps (encoding/json sorts their keys on
// marshal, so Go's randomized map iteration order does not leak into the
// output) and sorts the slices whose caller-given order is not
// semantically meaningful per spec.md ("order irrelevant"), such as
// Tags, DependsOn and Values, so the marshaled doc is deterministic.
type canonicalDoc struct {
	Metadata     Metadata             `json:"metadata"`
	InputFields  map[string]FieldDef  `json:"input_fields"`
	OutputFields map[string]FieldDef  `json:"output_fields"`
	DataModels   map[string]canonDM   `json:"data_models"`
	Tools        map[string]ToolDef   `json:"tools"`
	Pipeline     PipelineDef          `json:"pipeline"`
	Limits       canonLimits          `json:"limits"`
}

type canonDM struct {
	TableName     string              `json:"table_name"`
	Fields        map[string]FieldDef `json:"fields"`
	Indexes       []IndexDef          `json:"indexes,omitempty"`
	Relationships []RelationshipDef   `json:"relationships,omitempty"`
}

type canonLimits struct {
	MaxExecutionTimeSeconds *int     `json:"max_execution_time_s,omitempty"`
	MaxMemoryMB             *int     `json:"max_memory_mb,omitempty"`
	AllowedDomains          []string `json:"allowed_domains,omitempty"`
}

func toCanonicalDoc(s Schema) canonicalDoc {
	meta := s.Metadata
	meta.Tags = sortedCopy(s.Metadata.Tags)

	doc := canonicalDoc{
		Metadata:     meta,
		InputFields:  s.InputFields,
		OutputFields: s.OutputFields,
		DataModels:   make(map[string]canonDM, len(s.DataModels)),
		Tools:        s.Tools,
		Pipeline:     s.Pipeline,
		Limits: canonLimits{
			MaxExecutionTimeSeconds: s.Limits.MaxExecutionTimeSeconds,
			MaxMemoryMB:             s.Limits.MaxMemoryMB,
			AllowedDomains:          sortedCopy(s.Limits.AllowedDomains),
		},
	}

	for name, dm := range s.DataModels {
		indexes := append([]IndexDef(nil), dm.Indexes...)
		sort.Slice(indexes, func(i, j int) bool { return indexes[i].Name < indexes[j].Name })
		for i := range indexes {
			indexes[i].Fields = sortedCopy(indexes[i].Fields)
		}
		rels := append([]RelationshipDef(nil), dm.Relationships...)
		sort.Slice(rels, func(i, j int) bool { return rels[i].Name < rels[j].Name })
		doc.DataModels[name] = canonDM{
			TableName:     dm.TableName,
			Fields:        dm.Fields,
			Indexes:       indexes,
			Relationships: rels,
		}
	}

	// Field-level slices (enum Values, array Items are scalar) — Values'
	// order is not semantically meaningful; sort for determinism.
	doc.InputFields = sortFieldValues(s.InputFields)
	doc.OutputFields = sortFieldValues(s.OutputFields)
	for name, dm := range doc.DataModels {
		dm.Fields = sortFieldValues(dm.Fields)
		doc.DataModels[name] = dm
	}

	// Pipeline step DependsOn order is a set, not semantically ordered.
	steps := append([]StepDef(nil), s.Pipeline.Steps...)
	for i := range steps {
		steps[i].DependsOn = sortedCopy(steps[i].DependsOn)
	}
	doc.Pipeline.Steps = steps

	return doc
}

func sortFieldValues(m map[string]FieldDef) map[string]FieldDef {
	if m == nil {
		return nil
	}
	out := make(map[string]FieldDef, len(m))
	for k, v := range m {
		fd := v
		fd.Values = sortedCopy(v.Values)
		out[k] = fd
	}
	return out
}

func sortedCopy(in []string) []string {
	if in == nil {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
