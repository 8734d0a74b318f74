package fhirmodels

// Common FHIR constants used across the importer.

// Resource types written or read by the importer.
const (
	ResourceBundle                  = "Bundle"
	ResourceOrganization            = "Organization"
	ResourceLocation                = "Location"
	ResourceCareTeam                = "CareTeam"
	ResourcePractitioner            = "Practitioner"
	ResourcePractitionerRole        = "PractitionerRole"
	ResourceGroup                   = "Group"
	ResourceOrganizationAffiliation = "OrganizationAffiliation"
)

const BundleTransaction = "transaction"

// Row methods.
const (
	MethodCreate = "create"
	MethodUpdate = "update"
)

const StatusActive = "active"

const IdentifierSecondary = "secondary"

// Code systems. The *Fragment values identify a coding inside a
// CodeableConcept array by substring match on its system.
const (
	SystemSNOMED                = "http://snomed.info/sct"
	LocationTypeFragment        = "location-type"
	AdministrativeLevelFragment = "administrative-level"
	CodeHealthcareRelatedOrg    = "394730007"
	DisplayHealthcareRelatedOrg = "Healthcare related organization"
)

// Identity-provider attribute holding the client application id.
const AppIDAttribute = "fhir_core_app_id"
