// Package schema defines the in-memory Schema Model (spec.md §4.A): a
// tree-shaped, immutable representation of an agent type's data model,
// tools, and pipeline. Schema values support structural equality,
// canonical serialization, and a stable content hash.
package schema

// FieldType enumerates the field kinds a Schema may declare for input,
// output, and data-model fields.
type FieldType string

// Recognized field types (spec.md §3, FieldDef). Values are the exact
// lowercase strings the canonical wire form uses.
const (
	FieldString   FieldType = "string"
	FieldInteger  FieldType = "integer"
	FieldFloat    FieldType = "float"
	FieldBoolean  FieldType = "boolean"
	FieldText     FieldType = "text"
	FieldJSON     FieldType = "json"
	FieldArray    FieldType = "array"
	FieldEnum     FieldType = "enum"
	FieldUUID     FieldType = "uuid"
	FieldDatetime FieldType = "datetime"
	FieldDate     FieldType = "date"
)

// AgentTypeStatus is the lifecycle status of a registered AgentType row.
type AgentTypeStatus string

const (
	StatusActive     AgentTypeStatus = "active"
	StatusDeprecated AgentTypeStatus = "deprecated"
	StatusDeleted    AgentTypeStatus = "deleted"
)

// IndexType enumerates the index kinds a DataModelDef may declare.
type IndexType string

const (
	IndexBTree IndexType = "btree"
	IndexHash  IndexType = "hash"
	IndexGIN   IndexType = "gin"
	IndexGIST  IndexType = "gist"
)

// AuthKind enumerates ToolDef authentication modes.
type AuthKind string

const (
	AuthNone     AuthKind = "none"
	AuthAPIKey   AuthKind = "api_key"
	AuthOAuth2   AuthKind = "oauth2"
	AuthBasic    AuthKind = "basic_auth"
)

// Range is an inclusive numeric bound pair, [min, max].
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// FieldDef describes a single field of an input/output shape or a data
// model, per spec.md §3.
type FieldDef struct {
	Type      FieldType  `json:"type"`
	Required  bool       `json:"required"`
	Default   any        `json:"default,omitempty"`
	MaxLength *int       `json:"max_length,omitempty"`
	MinLength *int       `json:"min_length,omitempty"`
	Range     *Range     `json:"range,omitempty"`
	Pattern   string     `json:"pattern,omitempty"`
	Items     *FieldType `json:"items,omitempty"`
	Values    []string   `json:"values,omitempty"`
}

// IndexDef describes a single index on a DataModelDef.
type IndexDef struct {
	Name   string    `json:"name"`
	Fields []string  `json:"fields"`
	Unique bool      `json:"unique"`
	Type   IndexType `json:"type"`
}

// RelationshipDef describes a foreign-key style relationship from one
// data model to another, by model name.
type RelationshipDef struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	Field      string `json:"field"`
	TargetName string `json:"target_name,omitempty"`
}

// DataModelDef describes a managed table, per spec.md §3.
type DataModelDef struct {
	TableName     string              `json:"table_name"`
	Fields        map[string]FieldDef `json:"fields"`
	Indexes       []IndexDef          `json:"indexes,omitempty"`
	Relationships []RelationshipDef   `json:"relationships,omitempty"`
}

// RetryConfig controls per-tool or per-step retry behavior.
type RetryConfig struct {
	MaxRetries         int     `json:"max_retries"`
	DelaySeconds       float64 `json:"delay_s"`
	ExponentialBackoff bool    `json:"exponential_backoff"`
}

// AuthConfig describes how a tool authenticates with its backing
// collaborator.
type AuthConfig struct {
	Kind   AuthKind       `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// ToolDef describes a tool reference within a schema, per spec.md §3.
type ToolDef struct {
	Type           string         `json:"type"`
	Config         map[string]any `json:"config,omitempty"`
	Auth           *AuthConfig    `json:"auth_config,omitempty"`
	RateLimit      string         `json:"rate_limit,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Retry          *RetryConfig   `json:"retry_config,omitempty"`
}

// StepDef describes a single pipeline step, per spec.md §3.
type StepDef struct {
	Name           string         `json:"name"`
	Tool           string         `json:"tool"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Retry          *RetryConfig   `json:"retry_config,omitempty"`
}

// PipelineDef describes the ordered set of steps a schema declares.
type PipelineDef struct {
	Steps              []StepDef `json:"steps"`
	ParallelExecution  bool      `json:"parallel_execution"`
	MaxRetries         int       `json:"max_retries"`
	TimeoutSeconds      *int     `json:"timeout_seconds,omitempty"`
}

// Limits caps resource usage for a task executed under this schema.
type Limits struct {
	MaxExecutionTimeSeconds *int     `json:"max_execution_time_s,omitempty"`
	MaxMemoryMB             *int     `json:"max_memory_mb,omitempty"`
	AllowedDomains          []string `json:"allowed_domains,omitempty"`
}

// Metadata carries descriptive, non-structural information about a schema.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Version     string   `json:"version"`
	Author      string   `json:"author,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Schema is the full, immutable tree-shaped value describing an agent
// type, per spec.md §3.
type Schema struct {
	Metadata     Metadata                `json:"metadata"`
	InputFields  map[string]FieldDef     `json:"input_fields"`
	OutputFields map[string]FieldDef     `json:"output_fields"`
	DataModels   map[string]DataModelDef `json:"data_models"`
	Tools        map[string]ToolDef      `json:"tools"`
	Pipeline     PipelineDef             `json:"pipeline"`
	Limits       Limits                  `json:"limits"`
}

// Clone returns a copy of the schema with its own top-level maps and
// slices (field maps, data models, tools and their Config, steps,
// allowed domains, tags), so replacing or adding entries in the copy
// leaves the original untouched. Values nested below that level, such
// as FieldDef pointer fields and Values, a step's DependsOn and Config,
// and index field lists, are shared with the original.
func (s Schema) Clone() Schema {
	out := s
	out.InputFields = cloneFieldMap(s.InputFields)
	out.OutputFields = cloneFieldMap(s.OutputFields)
	out.DataModels = make(map[string]DataModelDef, len(s.DataModels))
	for k, v := range s.DataModels {
		dm := v
		dm.Fields = cloneFieldMap(v.Fields)
		dm.Indexes = append([]IndexDef(nil), v.Indexes...)
		dm.Relationships = append([]RelationshipDef(nil), v.Relationships...)
		out.DataModels[k] = dm
	}
	out.Tools = make(map[string]ToolDef, len(s.Tools))
	for k, v := range s.Tools {
		td := v
		td.Config = cloneAnyMap(v.Config)
		out.Tools[k] = td
	}
	out.Pipeline.Steps = append([]StepDef(nil), s.Pipeline.Steps...)
	out.Limits.AllowedDomains = append([]string(nil), s.Limits.AllowedDomains...)
	out.Metadata.Tags = append([]string(nil), s.Metadata.Tags...)
	return out
}

func cloneFieldMap(m map[string]FieldDef) map[string]FieldDef {
	if m == nil {
		return nil
	}
	out := make(map[string]FieldDef, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
