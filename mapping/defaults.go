package mapping

// Source (CRM) and target (sales ops) object names used by the default mappings.
const (
	ObjectCompanies = "companies"
	ObjectPeople    = "people"
	ObjectDeals     = "deals"

	ObjectAccount     = "Account"
	ObjectContact     = "Contact"
	ObjectOpportunity = "Opportunity"
)

// DealStatusToStage maps deal status tokens to opportunity stage names.
func DealStatusToStage() map[string]string {
	return map[string]string{
		"open":        "Prospecting",
		"qualified":   "Qualification",
		"in_progress": "Proposal/Price Quote",
		"negotiation": "Negotiation/Review",
		"won":         "Closed Won",
		"lost":        "Closed Lost",
	}
}

// IndustryCategories maps CRM category labels onto the target's Industry picklist.
func IndustryCategories() map[string]string {
	return map[string]string{
		"SaaS":               "Technology",
		"Software":           "Technology",
		"Technology":         "Technology",
		"B2B":                "Technology",
		"E-commerce":         "Retail",
		"Retail":             "Retail",
		"Financial Services": "Finance",
		"Fintech":            "Finance",
		"Healthcare":         "Healthcare",
		"Education":          "Education",
		"Manufacturing":      "Manufacturing",
		"Media":              "Media",
		"Consulting":         "Consulting",
	}
}

func field(src, tgt string, kind TransformKind) FieldMapping {
	return FieldMapping{SourceFieldPath: src, TargetFieldPath: tgt, Transform: kind, Direction: Bidirectional}
}

// text is a trimmed string field limited to the target column length.
func text(src, tgt string, kind TransformKind, maxLength int) FieldMapping {
	f := field(src, tgt, kind)
	f.Format = FormatText
	f.MaxLength = maxLength
	return f
}

// CompanyAccountMapping maps CRM companies onto target accounts.
func CompanyAccountMapping() ObjectMapping {
	name := text("name", "Name", Direct{}, 255)
	name.Required = true
	industry := field("categories[0]", "Industry", MapValue{Table: IndustryCategories()})
	industry.Direction = SourceToTarget
	employees := field("employee_range", "NumberOfEmployees", EmployeeRangeToNumber{})
	employees.Direction = SourceToTarget
	return ObjectMapping{
		SourceObject: ObjectCompanies,
		TargetObject: ObjectAccount,
		Enabled:      true,
		Fields: []FieldMapping{
			name,
			text("domains", "Website", ExtractFirst{}, 255),
			text("description", "Description", Direct{}, 32000),
			text("primary_location", "BillingCity", ExtractNested{Path: "locality"}, 40),
			text("primary_location", "BillingState", ExtractNested{Path: "region"}, 80),
			field("primary_location.country_code", "BillingCountry", CountryCodeToName{}),
			text("primary_location", "BillingPostalCode", ExtractNested{Path: "postcode"}, 20),
			industry,
			employees,
			field("estimated_arr_usd", "AnnualRevenue", CurrencyToNumber{}),
		},
	}
}

// PersonContactMapping maps CRM people onto target contacts.
func PersonContactMapping() ObjectMapping {
	last := text("name.last_name", "LastName", Direct{}, 80)
	last.Required = true
	email := field("email_addresses[0].email_address", "Email", Direct{})
	email.Format = FormatEmail
	email.MaxLength = 80
	phone := field("phone_numbers[0].phone_number", "Phone", Direct{})
	phone.Format = FormatPhone
	phone.MaxLength = 40
	return ObjectMapping{
		SourceObject: ObjectPeople,
		TargetObject: ObjectContact,
		Enabled:      true,
		Fields: []FieldMapping{
			text("name.first_name", "FirstName", Direct{}, 40),
			last,
			email,
			phone,
			text("job_title", "Title", Direct{}, 128),
			text("primary_location.locality", "MailingCity", Direct{}, 40),
			text("primary_location.region", "MailingState", Direct{}, 80),
			field("primary_location.country_code", "MailingCountry", CountryCodeToName{}),
		},
		References: []ReferenceMapping{
			{
				SourceFieldPath: "company.target_record_id",
				TargetFieldPath: "AccountId",
				SourceObject:    ObjectCompanies,
				TargetObject:    ObjectAccount,
				Direction:       Bidirectional,
			},
		},
	}
}

// DealOpportunityMapping maps CRM deals onto target opportunities.
func DealOpportunityMapping() ObjectMapping {
	name := text("name", "Name", Direct{}, 120)
	name.Required = true
	stage := field("status", "StageName", MapValue{Table: DealStatusToStage()})
	stage.Required = true
	return ObjectMapping{
		SourceObject: ObjectDeals,
		TargetObject: ObjectOpportunity,
		Enabled:      true,
		Fields: []FieldMapping{
			name,
			field("value", "Amount", CurrencyToNumber{}),
			field("close_date", "CloseDate", Direct{}),
			stage,
			field("probability", "Probability", Direct{}),
		},
		References: []ReferenceMapping{
			{
				SourceFieldPath: "associated_company.target_record_id",
				TargetFieldPath: "AccountId",
				SourceObject:    ObjectCompanies,
				TargetObject:    ObjectAccount,
				Required:        true,
				Direction:       Bidirectional,
			},
			{
				SourceFieldPath: "associated_people[0].target_record_id",
				TargetFieldPath: "ContactId",
				SourceObject:    ObjectPeople,
				TargetObject:    ObjectContact,
				Direction:       SourceToTarget,
			},
		},
		StatusValueMapping: DealStatusToStage(),
	}
}

// DefaultMappings returns a fresh copy of the built-in object mappings, parents first.
func DefaultMappings() []ObjectMapping {
	return []ObjectMapping{
		CompanyAccountMapping(),
		PersonContactMapping(),
		DealOpportunityMapping(),
	}
}
