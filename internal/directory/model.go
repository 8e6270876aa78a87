package directory

import (
	"time"

	"github.com/PlanFactsLab/planfacts/backend/internal/trust"
)

// Provider is one directory entry, keyed by its NPI. DataSource tracks
// whether the demographic fields still carry raw registry data or have been
// improved by an enrichment pass or crowdsourced verification.
type Provider struct {
	ProviderID   string                  `gorm:"column:provider_id;primaryKey;size:190;not null"`
	DisplayName  string                  `gorm:"column:display_name;size:320;not null"`
	Specialty    trust.SpecialtyCategory `gorm:"column:specialty;size:64;not null"`
	Phone        string                  `gorm:"column:phone;size:32;not null;default:''"`
	Fax          string                  `gorm:"column:fax;size:32;not null;default:''"`
	AddressLine1 string                  `gorm:"column:address_line1;size:320;not null;default:''"`
	City         string                  `gorm:"column:city;size:190;not null;default:''"`
	State        string                  `gorm:"column:state;size:2;not null;default:''"`
	PostalCode   string                  `gorm:"column:postal_code;size:16;not null;default:''"`
	DataSource   trust.DataSource        `gorm:"column:data_source;size:32;not null"`
	CreatedAt    time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Provider) TableName() string {
	return "providers"
}

// Enriched reports whether the record has been improved past the raw bulk
// feeds, which is what flips the import conflict protection on.
func (p Provider) Enriched() bool {
	return p.DataSource == trust.SourceEnrichment || p.DataSource == trust.SourceCrowdsource
}

// FieldValue reads a named importable field. The second return is false for
// names outside the importable set.
func (p Provider) FieldValue(field string) (string, bool) {
	switch field {
	case "display_name":
		return p.DisplayName, true
	case "specialty":
		return string(p.Specialty), true
	case "phone":
		return p.Phone, true
	case "fax":
		return p.Fax, true
	case "address_line1":
		return p.AddressLine1, true
	case "city":
		return p.City, true
	case "state":
		return p.State, true
	case "postal_code":
		return p.PostalCode, true
	default:
		return "", false
	}
}

// Plan is an insurance product a provider may or may not accept.
type Plan struct {
	PlanID      string    `gorm:"column:plan_id;primaryKey;size:190;not null"`
	CarrierName string    `gorm:"column:carrier_name;size:320;not null"`
	PlanName    string    `gorm:"column:plan_name;size:320;not null"`
	PlanType    string    `gorm:"column:plan_type;size:32;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Plan) TableName() string {
	return "plans"
}
