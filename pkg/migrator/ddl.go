package migrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/codeready-toolchain/agentcore/pkg/schema"
)

// synthetic columns every managed table carries beyond what the schema
// declares (spec.md §4.D). They are invariant across schema changes and
// are never exposed through schema manipulation.
const syntheticColumnsSQL = `
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    agent_id   UUID NOT NULL,
    task_id    UUID,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()`

func createTableOps(modelName string, def schema.DataModelDef) ([]Operation, error) {
	var ops []Operation

	fieldNames := sortedFieldNames(def.Fields)
	var columnLines []string
	var checkLines []string
	for _, name := range fieldNames {
		f := def.Fields[name]
		colType, err := columnType(f)
		if err != nil {
			return nil, fmt.Errorf("model %q field %q: %w", modelName, name, err)
		}
		line := fmt.Sprintf("%s %s", name, colType)
		if f.Required {
			line += " NOT NULL"
		}
		columnLines = append(columnLines, line)

		if check := checkConstraint(name, f); check != "" {
			checkLines = append(checkLines, check)
		}
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s", def.TableName, syntheticColumnsSQL)
	if len(columnLines) > 0 {
		stmt += ",\n    " + strings.Join(columnLines, ",\n    ")
	}
	for _, check := range checkLines {
		stmt += ",\n    " + check
	}
	stmt += "\n)"

	ops = append(ops, Operation{
		Kind:      OpCreateTable,
		ModelName: modelName,
		TableName: def.TableName,
		SQL:       stmt,
	})

	for _, idx := range def.Indexes {
		ops = append(ops, indexOp(modelName, def.TableName, idx, OpAddIndex))
	}

	return ops, nil
}

func diffModelOps(modelName string, existing storedModel, def schema.DataModelDef) ([]Operation, []string, error) {
	var ops []Operation
	var warnings []string

	oldNames := sortedFieldNames(existing.Fields)
	newNames := sortedFieldNames(def.Fields)

	for _, name := range newNames {
		newField := def.Fields[name]
		oldField, existed := existing.Fields[name]
		if !existed {
			colType, err := columnType(newField)
			if err != nil {
				return nil, nil, fmt.Errorf("model %q field %q: %w", modelName, name, err)
			}
			line := colType
			if newField.Required {
				line += " NOT NULL"
			}
			ops = append(ops, Operation{
				Kind:       OpAddColumn,
				ModelName:  modelName,
				TableName:  def.TableName,
				ColumnName: name,
				SQL:        fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", def.TableName, name, line),
			})
			continue
		}
		if oldField.Type != newField.Type {
			newColType, err := columnType(newField)
			if err != nil {
				return nil, nil, fmt.Errorf("model %q field %q: %w", modelName, name, err)
			}
			ops = append(ops, Operation{
				Kind:       OpAlterColumnType,
				ModelName:  modelName,
				TableName:  def.TableName,
				ColumnName: name,
				SQL:        fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s", def.TableName, name, newColType, name, newColType),
			})
			warnings = append(warnings, fmt.Sprintf("%s.%s: column type change from %s to %s may be lossy", modelName, name, oldField.Type, newField.Type))
		}
	}

	for _, name := range oldNames {
		if _, stillPresent := def.Fields[name]; stillPresent {
			continue
		}
		ops = append(ops, Operation{
			Kind:        OpDropColumn,
			ModelName:   modelName,
			TableName:   def.TableName,
			ColumnName:  name,
			SQL:         fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", def.TableName, name),
			Destructive: true,
		})
		warnings = append(warnings, fmt.Sprintf("%s.%s: column will be dropped", modelName, name))
	}

	oldIndexes := make(map[string]schema.IndexDef, len(existing.Indexes))
	for _, idx := range existing.Indexes {
		oldIndexes[idx.Name] = idx
	}
	newIndexes := make(map[string]schema.IndexDef, len(def.Indexes))
	for _, idx := range def.Indexes {
		newIndexes[idx.Name] = idx
	}

	newIdxNames := make([]string, 0, len(def.Indexes))
	for name := range newIndexes {
		newIdxNames = append(newIdxNames, name)
	}
	sort.Strings(newIdxNames)
	for _, name := range newIdxNames {
		if _, ok := oldIndexes[name]; ok {
			continue
		}
		ops = append(ops, indexOp(modelName, def.TableName, newIndexes[name], OpAddIndex))
	}

	oldIdxNames := make([]string, 0, len(existing.Indexes))
	for name := range oldIndexes {
		oldIdxNames = append(oldIdxNames, name)
	}
	sort.Strings(oldIdxNames)
	for _, name := range oldIdxNames {
		if _, ok := newIndexes[name]; ok {
			continue
		}
		ops = append(ops, Operation{
			Kind:      OpDropIndex,
			ModelName: modelName,
			TableName: def.TableName,
			IndexName: name,
			SQL:       fmt.Sprintf("DROP INDEX %s", name),
		})
	}

	return ops, warnings, nil
}

func indexOp(modelName, tableName string, idx schema.IndexDef, kind OperationKind) Operation {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	using := "btree"
	if idx.Type != "" {
		using = string(idx.Type)
	}
	stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s USING %s (%s)",
		unique, idx.Name, tableName, using, strings.Join(idx.Fields, ", "))
	return Operation{
		Kind:      kind,
		ModelName: modelName,
		TableName: tableName,
		IndexName: idx.Name,
		SQL:       stmt,
	}
}

// columnType maps a FieldDef to its Postgres column type, per spec.md
// §4.D's declarative type mapping table.
func columnType(f schema.FieldDef) (string, error) {
	switch f.Type {
	case schema.FieldString:
		maxLen := 255
		if f.MaxLength != nil {
			maxLen = *f.MaxLength
		}
		return fmt.Sprintf("VARCHAR(%d)", maxLen), nil
	case schema.FieldInteger:
		return "INTEGER", nil
	case schema.FieldFloat:
		return "DOUBLE PRECISION", nil
	case schema.FieldBoolean:
		return "BOOLEAN", nil
	case schema.FieldText:
		return "TEXT", nil
	case schema.FieldJSON:
		return "JSONB", nil
	case schema.FieldUUID:
		return "UUID", nil
	case schema.FieldDatetime:
		return "TIMESTAMP WITH TIME ZONE", nil
	case schema.FieldDate:
		return "DATE", nil
	case schema.FieldEnum:
		maxLen := 255
		if f.MaxLength != nil {
			maxLen = *f.MaxLength
		}
		return fmt.Sprintf("VARCHAR(%d)", maxLen), nil
	case schema.FieldArray:
		if f.Items == nil {
			return "", fmt.Errorf("array field has no items type")
		}
		elemType, err := columnType(schema.FieldDef{Type: *f.Items})
		if err != nil {
			return "", err
		}
		return elemType + "[]", nil
	default:
		return "", fmt.Errorf("unrecognized field type %q", f.Type)
	}
}

// checkConstraint generates an inline CHECK clause for range, min_length,
// and enum-values constraints, per spec.md §4.D.
func checkConstraint(name string, f schema.FieldDef) string {
	switch {
	case f.Type == schema.FieldEnum && len(f.Values) > 0:
		quoted := make([]string, len(f.Values))
		for i, v := range f.Values {
			quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		return fmt.Sprintf("CHECK (%s IN (%s))", name, strings.Join(quoted, ", "))
	case f.Range != nil:
		return fmt.Sprintf("CHECK (%s >= %g AND %s <= %g)", name, f.Range.Min, name, f.Range.Max)
	case f.MinLength != nil && (f.Type == schema.FieldString || f.Type == schema.FieldText):
		return fmt.Sprintf("CHECK (length(%s) >= %d)", name, *f.MinLength)
	default:
		return ""
	}
}

func sortedFieldNames(fields map[string]schema.FieldDef) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
