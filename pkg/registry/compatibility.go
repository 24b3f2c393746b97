package registry

import (
	"github.com/codeready-toolchain/agentcore/pkg/schema"
)

func canonicalHash(s schema.Schema) (string, error) {
	return schema.Hash(s)
}

// CompatibilityReport is the result of comparing two versions of a
// schema for the same type_name.
type CompatibilityReport struct {
	Breaking          []string
	NonBreaking       []string
	MigrationRequired bool
}

// CheckCompatibility compares oldSchema against newSchema per spec.md
// §4.C: removing a required field/model, changing a field's type, or
// adding a required field without a default are breaking; adding
// optional fields/models/indexes, widening range/max_length, and adding
// enum values are non-breaking. Any change touching a data model's
// columns (breaking or not) sets MigrationRequired.
func CheckCompatibility(oldSchema, newSchema schema.Schema) CompatibilityReport {
	var report CompatibilityReport

	diffFields("input_fields", oldSchema.InputFields, newSchema.InputFields, &report)
	diffFields("output_fields", oldSchema.OutputFields, newSchema.OutputFields, &report)
	diffDataModels(oldSchema.DataModels, newSchema.DataModels, &report)

	report.MigrationRequired = len(report.Breaking) > 0 || dataModelsChanged(oldSchema.DataModels, newSchema.DataModels)
	return report
}

func diffFields(section string, oldFields, newFields map[string]schema.FieldDef, report *CompatibilityReport) {
	for name, oldDef := range oldFields {
		newDef, ok := newFields[name]
		if !ok {
			report.Breaking = append(report.Breaking, section+"."+name+": field removed")
			continue
		}
		if oldDef.Type != newDef.Type {
			report.Breaking = append(report.Breaking, section+"."+name+": type changed from "+string(oldDef.Type)+" to "+string(newDef.Type))
			continue
		}
		if widened := fieldWidened(oldDef, newDef); widened {
			report.NonBreaking = append(report.NonBreaking, section+"."+name+": constraint widened")
		}
	}
	for name, newDef := range newFields {
		if _, ok := oldFields[name]; ok {
			continue
		}
		if newDef.Required && newDef.Default == nil {
			report.Breaking = append(report.Breaking, section+"."+name+": required field added without default")
		} else {
			report.NonBreaking = append(report.NonBreaking, section+"."+name+": optional field added")
		}
	}
}

func fieldWidened(oldDef, newDef schema.FieldDef) bool {
	if newDef.MaxLength != nil && (oldDef.MaxLength == nil || *newDef.MaxLength > *oldDef.MaxLength) {
		return true
	}
	if newDef.Range != nil && oldDef.Range != nil && (newDef.Range.Min < oldDef.Range.Min || newDef.Range.Max > oldDef.Range.Max) {
		return true
	}
	if len(newDef.Values) > len(oldDef.Values) {
		return true
	}
	return false
}

func diffDataModels(oldModels, newModels map[string]schema.DataModelDef, report *CompatibilityReport) {
	for name, oldModel := range oldModels {
		newModel, ok := newModels[name]
		if !ok {
			report.Breaking = append(report.Breaking, "data_models."+name+": model removed")
			continue
		}
		if oldModel.TableName != newModel.TableName {
			report.Breaking = append(report.Breaking, "data_models."+name+": table_name renamed from "+oldModel.TableName+" to "+newModel.TableName)
		}
		var fieldReport CompatibilityReport
		diffFields("data_models."+name+".fields", oldModel.Fields, newModel.Fields, &fieldReport)
		report.Breaking = append(report.Breaking, fieldReport.Breaking...)
		report.NonBreaking = append(report.NonBreaking, fieldReport.NonBreaking...)
		if len(newModel.Indexes) > len(oldModel.Indexes) {
			report.NonBreaking = append(report.NonBreaking, "data_models."+name+": index added")
		}
	}
	for name := range newModels {
		if _, ok := oldModels[name]; !ok {
			report.NonBreaking = append(report.NonBreaking, "data_models."+name+": model added")
		}
	}
}

func dataModelsChanged(oldModels, newModels map[string]schema.DataModelDef) bool {
	if len(oldModels) != len(newModels) {
		return true
	}
	for name, oldModel := range oldModels {
		newModel, ok := newModels[name]
		if !ok {
			return true
		}
		if oldModel.TableName != newModel.TableName {
			return true
		}
		if len(oldModel.Fields) != len(newModel.Fields) || len(oldModel.Indexes) != len(newModel.Indexes) {
			return true
		}
		for fname, oldDef := range oldModel.Fields {
			newDef, ok := newModel.Fields[fname]
			if !ok || oldDef.Type != newDef.Type {
				return true
			}
		}
	}
	return false
}
