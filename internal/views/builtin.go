package views

// BuiltInDefinitions returns the standard pre-registered view definitions.
// These cover the demographic and clinical views most cohort queries start
// from; they are seeded into the store on first start and never overwritten.
func BuiltInDefinitions() []ViewDefinition {
	return []ViewDefinition{
		builtinPatientDemographics(),
		builtinPatientSimple(),
		builtinConditionSimple(),
		builtinObservationSimple(),
	}
}

func builtinPatientDemographics() ViewDefinition {
	return ViewDefinition{
		Name:        "patient_demographics",
		Resource:    "Patient",
		Description: "Core patient demographics: name, gender, birth date, contact points",
		Select: []SelectScope{
			{
				Column: []Column{
					{Name: "id", Path: ResourceKeyPath, Type: "string"},
					{Name: "family_name", Path: "name.where(use='official').family", Type: "string"},
					{Name: "given_name", Path: "name.given.first()", Type: "string"},
					{Name: "gender", Path: "gender", Type: "string"},
					{Name: "dob", Path: "birthDate", Type: "datetime"},
					{Name: "phone", Path: "telecom.where(system='phone').value", Type: "string"},
					{Name: "city", Path: "address.city", Type: "string"},
					{Name: "active", Path: "active", Type: "boolean"},
				},
			},
		},
	}
}

func builtinPatientSimple() ViewDefinition {
	return ViewDefinition{
		Name:        "patient_simple",
		Resource:    "Patient",
		Description: "Minimal patient projection for cohort counting",
		Select: []SelectScope{
			{
				Column: []Column{
					{Name: "id", Path: ResourceKeyPath, Type: "string"},
					{Name: "gender", Path: "gender", Type: "string"},
					{Name: "birth_date", Path: "birthDate", Type: "datetime"},
				},
			},
		},
	}
}

func builtinConditionSimple() ViewDefinition {
	return ViewDefinition{
		Name:        "condition_simple",
		Resource:    "Condition",
		Description: "Condition codes with subject reference and onset",
		Select: []SelectScope{
			{
				Column: []Column{
					{Name: "id", Path: ResourceKeyPath, Type: "string"},
					{Name: "patient_ref", Path: "subject.reference", Type: "string"},
					{Name: "icd10_code", Path: "code.coding.where(system='http://hl7.org/fhir/sid/icd-10-cm').code", Type: "string"},
					{Name: "snomed_code", Path: "code.coding.where(system='http://snomed.info/sct').code", Type: "string"},
					{Name: "code_text", Path: "code.text", Type: "string"},
					{Name: "clinical_status", Path: "clinicalStatus.coding.code", Type: "string"},
					{Name: "onset_date", Path: "onsetDateTime", Type: "datetime"},
				},
			},
		},
	}
}

func builtinObservationSimple() ViewDefinition {
	return ViewDefinition{
		Name:        "observation_simple",
		Resource:    "Observation",
		Description: "Observation codes and quantities with subject reference",
		Select: []SelectScope{
			{
				Column: []Column{
					{Name: "id", Path: ResourceKeyPath, Type: "string"},
					{Name: "patient_ref", Path: "subject.reference", Type: "string"},
					{Name: "code", Path: "code.coding.code", Type: "string"},
					{Name: "code_display", Path: "code.coding.display", Type: "string"},
					{Name: "value_quantity", Path: "valueQuantity.value", Type: "float"},
					{Name: "value_unit", Path: "valueQuantity.unit", Type: "string"},
					{Name: "status", Path: "status", Type: "string"},
					{Name: "effective_date", Path: "effectiveDateTime", Type: "datetime"},
				},
			},
		},
	}
}
