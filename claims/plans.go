package claims

import "github.com/peterbarone/claimtrackpro-web/planner"

// Each plan lists its variants richest first; the last one is the field
// set every role can read.

var PlanMe = planner.Plan{
	Name: "me",
	Variants: []planner.Variant{
		{Ordinal: 0, Collection: "users", ID: "me", Fields: []string{"id", "first_name", "last_name", "email", "avatar", "role.id", "role.name"}},
		{Ordinal: 1, Collection: "users", ID: "me", Fields: []string{"id", "first_name", "last_name", "email"}},
		{Ordinal: 2, Collection: "users", ID: "me", Fields: []string{"id"}},
	},
}

const listFilter = `{{if .status}}{"status":{"name":{"_eq":{{json .status}}}}}{{end}}`

var PlanClaimList = planner.Plan{
	Name: "claim_list",
	Variants: []planner.Variant{
		{Ordinal: 0, Collection: "claims", Filter: listFilter, Sort: []string{"-date_created"}, Limit: 100, Fields: []string{
			"id", "claim_number", "date_of_loss", "loss_type", "date_created", "status.name",
			"insured.first_name", "insured.last_name", "assigned_to.first_name", "assigned_to.last_name", "carrier.name",
		}},
		{Ordinal: 1, Collection: "claims", Filter: listFilter, Sort: []string{"-date_created"}, Limit: 100, Fields: []string{
			"id", "claim_number", "date_of_loss", "loss_type", "date_created", "status.name",
		}},
		{Ordinal: 2, Collection: "claims", Filter: listFilter, Sort: []string{"-date_created"}, Limit: 100, Fields: []string{
			"id", "claim_number", "date_created",
		}},
	},
}

var PlanClaimDetail = planner.Plan{
	Name: "claim_detail",
	Variants: []planner.Variant{
		{Ordinal: 0, Collection: "claims", ID: "{{.id}}", Fields: []string{
			"*", "status.name", "insured.*", "carrier.name", "assigned_to.first_name", "assigned_to.last_name", "assigned_to.email",
			"loss_location.*",
		}},
		{Ordinal: 1, Collection: "claims", ID: "{{.id}}", Fields: []string{
			"*", "status.name", "insured.*", "carrier.name",
		}},
		{Ordinal: 2, Collection: "claims", ID: "{{.id}}", Fields: []string{"*"}},
		{Ordinal: 3, Collection: "claims", ID: "{{.id}}", Fields: []string{"id", "claim_number", "date_created"}},
	},
}

const byClaim = `{"claim":{"_eq":{{json .id}}}}`

// PlanClaimNotes tries the collection names used by successive schema
// versions.
var PlanClaimNotes = planner.Plan{
	Name:              "claim_notes",
	AmbiguousNotFound: true,
	Variants: []planner.Variant{
		{Ordinal: 0, Collection: "claims_notes", Filter: byClaim, Sort: []string{"-date_created"}, Limit: -1,
			Fields: []string{"id", "body", "date_created", "user_created.first_name", "user_created.last_name"}},
		{Ordinal: 1, Collection: "claims_notes", Filter: byClaim, Sort: []string{"-date_created"}, Limit: -1,
			Fields: []string{"id", "body", "date_created"}},
		{Ordinal: 2, Collection: "claim_notes", Filter: byClaim, Sort: []string{"-date_created"}, Limit: -1,
			Fields: []string{"id", "body", "date_created"}},
		{Ordinal: 3, Collection: "notes", Filter: `{"claim_id":{"_eq":{{json .id}}}}`, Limit: -1,
			Fields: []string{"id", "content", "created_at"}},
	},
}

var PlanClaimParticipants = planner.Plan{
	Name:              "claim_participants",
	AmbiguousNotFound: true,
	Variants: []planner.Variant{
		{Ordinal: 0, Collection: "claims_participants", Filter: byClaim, Limit: -1,
			Fields: []string{"id", "role", "contact.first_name", "contact.last_name", "contact.email", "contact.phone", "contact.company"}},
		{Ordinal: 1, Collection: "claims_participants", Filter: byClaim, Limit: -1,
			Fields: []string{"id", "role", "contact.first_name", "contact.last_name"}},
		{Ordinal: 2, Collection: "claim_participants", Filter: byClaim, Limit: -1,
			Fields: []string{"id", "role", "contact"}},
		{Ordinal: 3, Collection: "claims_contacts", Filter: `{"claims_id":{"_eq":{{json .id}}}}`, Limit: -1,
			Fields: []string{"id", "contacts_id"}},
	},
}

var PlanClaimDocuments = planner.Plan{
	Name: "claim_documents",
	Variants: []planner.Variant{
		{Ordinal: 0, Collection: "claim_documents", Filter: byClaim, Sort: []string{"-date_created"}, Limit: -1,
			Fields: []string{"id", "date_created", "document_type.name", "file.id", "file.filename_download", "file.type", "file.filesize"}},
		{Ordinal: 1, Collection: "claim_documents", Filter: byClaim, Sort: []string{"-date_created"}, Limit: -1,
			Fields: []string{"id", "date_created", "file.id", "file.filename_download"}},
		{Ordinal: 2, Collection: "claim_documents", Filter: byClaim, Sort: []string{"-date_created"}, Limit: -1,
			Fields: []string{"id", "date_created"}},
	},
}

// Plans lists every static plan served by the package.
var Plans = []planner.Plan{
	PlanMe, PlanClaimList, PlanClaimDetail, PlanClaimNotes, PlanClaimParticipants, PlanClaimDocuments,
}
