// Package catalog holds the declarative, process-scoped registry
// configuration (C1). Configuration is data, not code: adding a registry
// means adding an entry to the catalog slice below, not writing new
// pipeline logic.
package catalog

import (
	"fmt"

	"github.com/atlanteq/registryingest/internal/ingest/ingesterr"
	"github.com/atlanteq/registryingest/internal/ingest/model"
)

type Format string

const (
	FormatXML Format = "xml"
	FormatCSV Format = "csv"
)

type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

type SizeCategory string

const (
	SizeSmall  SizeCategory = "small"
	SizeMedium SizeCategory = "medium"
	SizeLarge  SizeCategory = "large"
)

// FieldMapping copies SourceField verbatim from the raw record, or, when Fn
// is set, computes the target value from (rawFieldValue, wholeRawRecord).
// Fn must be pure and side-effect-free.
type FieldMapping struct {
	SourceField string
	Fn          func(rawField string, raw model.RawRecord) (any, error)
}

// RegistryConfig is one registry's declarative definition: source, archive
// and format shape, field map, unique key, and cadence.
type RegistryConfig struct {
	Name            string
	Title           string
	DatasetURL      string
	InnerFileName   string
	Format          Format
	Encoding        string // "utf-8" | "windows-1251"
	RecordPath      string // dotted tag path, XML only
	RepeatedTags    map[string]bool
	CSVDelimiter    rune
	TableName       string
	FieldMap        map[string]FieldMapping
	UniqueKey       []string
	UpdateFrequency Cadence
	SizeCategory    SizeCategory

	// DateFields and NumericFields name raw-record fields the validator
	// should apply its date/numeric leniency checks to, in addition to the
	// required-field and identifier-format checks. A field need not have a
	// FieldMapping of its own to appear here — EXPIRY_DATE below is read by
	// the "status" mapping's Fn, not copied verbatim, but the validator
	// still inspects the raw value.
	DateFields    []string
	NumericFields []string
}

// all is the literal registry catalog. Source URLs are representative
// placeholders for the kind of government endpoint each registry models;
// they are not live-scraped addresses.
var all = []RegistryConfig{
	{
		Name:          "legal-entities",
		Title:         "Unified State Register of Legal Entities",
		DatasetURL:    "https://data.example-registry.gov/legal-entities/latest.zip",
		Format:        FormatXML,
		Encoding:      "utf-8",
		RecordPath:    "DATA.RECORD",
		RepeatedTags:  map[string]bool{"FOUNDER": true, "BENEFICIARY": true, "BRANCH": true},
		TableName:     "legal_entities",
		UniqueKey:     []string{"edrpou"},
		FieldMap: map[string]FieldMapping{
			"edrpou": {SourceField: "EDRPOU"},
			"name":   {SourceField: "NAME"},
			"status": {SourceField: "STAN"},
		},
		UpdateFrequency: CadenceDaily,
		SizeCategory:    SizeLarge,
	},
	{
		Name:          "individual-entrepreneurs",
		Title:         "Register of Individual Entrepreneurs",
		DatasetURL:    "https://data.example-registry.gov/individual-entrepreneurs/latest.zip",
		Format:        FormatXML,
		Encoding:      "windows-1251",
		RecordPath:    "DATA.RECORD",
		RepeatedTags:  map[string]bool{"PREDECESSOR": true},
		TableName:     "individual_entrepreneurs",
		UniqueKey:     []string{"rnokpp"},
		FieldMap: map[string]FieldMapping{
			"rnokpp": {SourceField: "RNOKPP"},
			"full_name": {Fn: func(_ string, raw model.RawRecord) (any, error) {
				surname, _ := raw["SURNAME"].(string)
				name, _ := raw["NAME"].(string)
				patronymic, _ := raw["PATRONYMIC"].(string)
				full := surname
				if name != "" {
					full += " " + name
				}
				if patronymic != "" {
					full += " " + patronymic
				}
				return full, nil
			}},
		},
		UpdateFrequency: CadenceDaily,
		SizeCategory:    SizeLarge,
	},
	{
		Name:         "licenses",
		Title:        "Register of Business Licenses",
		DatasetURL:   "https://data.example-registry.gov/licenses/latest.zip",
		Format:       FormatXML,
		Encoding:     "utf-8",
		RecordPath:   "DATA.RECORD",
		RepeatedTags: map[string]bool{},
		TableName:    "licenses",
		UniqueKey:    []string{"license_number"},
		FieldMap: map[string]FieldMapping{
			"license_number": {SourceField: "LICENSE_NUMBER"},
			"holder_name":    {SourceField: "HOLDER_NAME"},
			"status": {Fn: func(_ string, raw model.RawRecord) (any, error) {
				exp, _ := raw["EXPIRY_DATE"].(string)
				if exp == "" {
					return "unknown", nil
				}
				// Any non-empty expiry date yields "active": the date is not
				// compared with the current date here. The validator only
				// checks that it parses and is not over a year ahead.
				return "active", nil
			}},
		},
		DateFields:      []string{"EXPIRY_DATE"},
		UpdateFrequency: CadenceWeekly,
		SizeCategory:    SizeMedium,
	},
	{
		Name:         "founders",
		Title:        "Founders Register",
		DatasetURL:   "https://data.example-registry.gov/founders/latest.zip",
		Format:       FormatXML,
		Encoding:     "utf-8",
		RecordPath:   "DATA.RECORD",
		RepeatedTags: map[string]bool{"FOUNDER": true, "SIGNER": true, "MEMBER": true, "ASSIGNEE": true},
		TableName:    "founders",
		UniqueKey:    []string{"entity_code"},
		FieldMap: map[string]FieldMapping{
			"entity_code": {SourceField: "CODE"},
			"name":        {SourceField: "NAME"},
		},
		UpdateFrequency: CadenceWeekly,
		SizeCategory:    SizeMedium,
	},
	{
		Name:          "tax-debtors",
		Title:         "Register of Tax Debtors",
		DatasetURL:    "https://data.example-registry.gov/tax-debtors/latest.zip",
		Format:        FormatCSV,
		Encoding:      "utf-8",
		CSVDelimiter:  ',',
		TableName:     "tax_debtors",
		UniqueKey:     []string{"taxpayer_id"},
		FieldMap: map[string]FieldMapping{
			"taxpayer_id": {SourceField: "taxpayer_id"},
			"debt_amount": {SourceField: "debt_amount"},
		},
		NumericFields:   []string{"debt_amount"},
		UpdateFrequency: CadenceDaily,
		SizeCategory:    SizeMedium,
	},
	{
		Name:          "court-decisions",
		Title:         "Unified Register of Court Decisions",
		DatasetURL:    "https://data.example-registry.gov/court-decisions/latest.zip",
		Format:        FormatCSV,
		Encoding:      "windows-1251",
		CSVDelimiter:  ';',
		TableName:     "court_decisions",
		UniqueKey:     []string{"decision_id"},
		FieldMap: map[string]FieldMapping{
			"decision_id": {SourceField: "decision_id"},
			"court_name":  {SourceField: "court_name"},
		},
		UpdateFrequency: CadenceDaily,
		SizeCategory:    SizeLarge,
	},
	{
		Name:         "notaries",
		Title:        "Register of Private Notaries",
		DatasetURL:   "https://data.example-registry.gov/notaries/latest.zip",
		Format:       FormatXML,
		Encoding:     "utf-8",
		RecordPath:   "DATA.RECORD",
		RepeatedTags: map[string]bool{},
		TableName:    "notaries",
		UniqueKey:    []string{"certificate_number"},
		FieldMap: map[string]FieldMapping{
			"certificate_number": {SourceField: "CERT_NUM"},
			"full_name":          {SourceField: "FULL_NAME"},
		},
		UpdateFrequency: CadenceWeekly,
		SizeCategory:    SizeSmall,
	},
	{
		Name:         "pharmacy-licenses",
		Title:        "Register of Pharmacy Licenses",
		DatasetURL:   "https://data.example-registry.gov/pharmacy-licenses/latest.zip",
		Format:       FormatXML,
		Encoding:     "utf-8",
		RecordPath:   "DATA.RECORD",
		RepeatedTags: map[string]bool{},
		TableName:    "pharmacy_licenses",
		UniqueKey:    []string{"license_number"},
		FieldMap: map[string]FieldMapping{
			"license_number": {SourceField: "LICENSE_NUMBER"},
			"pharmacy_name":  {SourceField: "PHARMACY_NAME"},
		},
		UpdateFrequency: CadenceWeekly,
		SizeCategory:    SizeSmall,
	},
	{
		Name:          "land-plots",
		Title:         "State Land Cadastre",
		DatasetURL:    "https://data.example-registry.gov/land-plots/latest.zip",
		Format:        FormatCSV,
		Encoding:      "utf-8",
		CSVDelimiter:  ',',
		TableName:     "land_plots",
		UniqueKey:     []string{"cadastral_number"},
		FieldMap: map[string]FieldMapping{
			"cadastral_number": {SourceField: "cadastral_number"},
			"area_ha":          {SourceField: "area_ha"},
		},
		NumericFields:   []string{"area_ha"},
		UpdateFrequency: CadenceDaily,
		SizeCategory:    SizeLarge,
	},
	{
		Name:          "vehicle-registrations",
		Title:         "Register of Vehicle Registrations",
		DatasetURL:    "https://data.example-registry.gov/vehicle-registrations/latest.zip",
		Format:        FormatCSV,
		Encoding:      "utf-8",
		CSVDelimiter:  ',',
		TableName:     "vehicle_registrations",
		UniqueKey:     []string{"vin"},
		FieldMap: map[string]FieldMapping{
			"vin":           {SourceField: "vin"},
			"plate_number":  {SourceField: "plate_number"},
		},
		UpdateFrequency: CadenceDaily,
		SizeCategory:    SizeLarge,
	},
	{
		Name:         "professional-certifications",
		Title:        "Register of Professional Certifications",
		DatasetURL:   "https://data.example-registry.gov/professional-certifications/latest.zip",
		Format:       FormatXML,
		Encoding:     "utf-8",
		RecordPath:   "DATA.RECORD",
		RepeatedTags: map[string]bool{},
		TableName:    "professional_certifications",
		UniqueKey:    []string{"certificate_id"},
		FieldMap: map[string]FieldMapping{
			"certificate_id": {SourceField: "CERT_ID"},
			"holder_name":    {SourceField: "HOLDER_NAME"},
		},
		UpdateFrequency: CadenceWeekly,
		SizeCategory:    SizeSmall,
	},
}

// All returns the validated registry catalog. Validation runs once per
// process and fails fast on any declaration error — a bad catalog entry is
// a deploy-time bug, not a runtime one.
func All() ([]RegistryConfig, error) {
	seenName := map[string]bool{}
	for _, c := range all {
		if seenName[c.Name] {
			return nil, ingesterr.New(ingesterr.KindConfig, fmt.Sprintf("duplicate registry name %q", c.Name), nil)
		}
		seenName[c.Name] = true

		for _, k := range c.UniqueKey {
			if _, ok := c.FieldMap[k]; !ok {
				return nil, ingesterr.New(ingesterr.KindConfig, fmt.Sprintf("registry %q: unique key column %q not present in fieldMap", c.Name, k), nil)
			}
		}

		switch c.Format {
		case FormatXML:
			if c.RecordPath == "" {
				return nil, ingesterr.New(ingesterr.KindConfig, fmt.Sprintf("registry %q: recordPath required for xml format", c.Name), nil)
			}
		case FormatCSV:
			if c.CSVDelimiter == 0 {
				return nil, ingesterr.New(ingesterr.KindConfig, fmt.Sprintf("registry %q: csvDelimiter required for csv format", c.Name), nil)
			}
		default:
			return nil, ingesterr.New(ingesterr.KindConfig, fmt.Sprintf("registry %q: unknown format %q", c.Name, c.Format), nil)
		}
	}
	return all, nil
}

// ByName finds a registry by name in a catalog slice (used to honor
// --only filtering in the orchestrator).
func ByName(cat []RegistryConfig, name string) (RegistryConfig, bool) {
	for _, c := range cat {
		if c.Name == name {
			return c, true
		}
	}
	return RegistryConfig{}, false
}

// CadenceThreshold returns how long a registry may go unsynced before
// weekly mode considers it due.
func CadenceThreshold(c Cadence) (days int) {
	if c == CadenceWeekly {
		return 7
	}
	return 1
}
