// Package mapping loads the declarative per-vendor field mapping descriptors
// that drive schema normalization.
package mapping

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FieldType is the declared coercion type of a canonical field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeDecimal FieldType = "decimal"
	TypeDate    FieldType = "date"
)

// Canonical field names.
const (
	AccountID            = "account_id"
	PortfolioID          = "portfolio_id"
	AsOfDate             = "as_of_date"
	BeginningMarketValue = "beginning_market_value"
	Contributions        = "contributions"
	Distributions        = "distributions"
	Income               = "income"
	Appreciation         = "appreciation"
	Fees                 = "fees"
	OtherAdjustments     = "other_adjustments"
	EndingMarketValue    = "ending_market_value"
	VendorTWRR           = "vendor_twrr"
	BenchmarkReturn      = "benchmark_return"
	VendorNetFlow        = "vendor_net_flow"
)

// CanonicalFields lists every canonical field in record order with its kind.
var CanonicalFields = []struct {
	Name string
	Type FieldType
}{
	{AccountID, TypeString},
	{PortfolioID, TypeString},
	{AsOfDate, TypeDate},
	{BeginningMarketValue, TypeDecimal},
	{Contributions, TypeDecimal},
	{Distributions, TypeDecimal},
	{Income, TypeDecimal},
	{Appreciation, TypeDecimal},
	{Fees, TypeDecimal},
	{OtherAdjustments, TypeDecimal},
	{EndingMarketValue, TypeDecimal},
	{VendorTWRR, TypeDecimal},
	{BenchmarkReturn, TypeDecimal},
	{VendorNetFlow, TypeDecimal},
}

// DefaultRequired is applied when a descriptor declares no required set.
var DefaultRequired = []string{AccountID, AsOfDate, BeginningMarketValue, EndingMarketValue}

// FieldRule maps one canonical field to its vendor source aliases.
type FieldRule struct {
	// Aliases are tried in priority order; the first present non-empty value wins.
	Aliases []string  `yaml:"aliases"`
	Type    FieldType `yaml:"type,omitempty"`
	// Scale multiplies decimal values after parsing (e.g. 0.01 for percent columns).
	Scale *decimal.Decimal `yaml:"scale,omitempty"`
}

// VendorFieldMapping is the immutable normalization descriptor of one vendor.
type VendorFieldMapping struct {
	Vendor       string               `yaml:"vendor"`
	FilePatterns []string             `yaml:"file_patterns"`
	FileFormats  []string             `yaml:"file_formats"`
	DateFormats  []string             `yaml:"date_formats"`
	Required     []string             `yaml:"required"`
	Fields       map[string]FieldRule `yaml:"fields"`
}

// Rule returns the rule for a canonical field and whether one is configured.
func (m *VendorFieldMapping) Rule(field string) (FieldRule, bool) {
	r, ok := m.Fields[field]
	return r, ok
}

// IsRequired reports whether the canonical field is in the required set.
func (m *VendorFieldMapping) IsRequired(field string) bool {
	for _, f := range m.Required {
		if f == field {
			return true
		}
	}
	return false
}

// AcceptsFile reports whether the file extension is one of the vendor's formats.
// A descriptor without file formats accepts anything.
func (m *VendorFieldMapping) AcceptsFile(fileName string) bool {
	if len(m.FileFormats) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	for _, f := range m.FileFormats {
		if strings.EqualFold(f, ext) {
			return true
		}
	}
	return false
}

// Layouts returns the accepted date formats as Go time layouts, in order.
func (m *VendorFieldMapping) Layouts() []string {
	out := make([]string, len(m.DateFormats))
	for i, f := range m.DateFormats {
		out[i] = toLayout(f)
	}
	return out
}

var layoutTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

// toLayout accepts either a Go reference layout or a YYYY/MM/DD style pattern.
// Go layouts contain none of the pattern tokens and pass through unchanged.
func toLayout(format string) string {
	return layoutTokens.Replace(format)
}

// Parse decodes a YAML descriptor and validates it.
func Parse(data []byte) (*VendorFieldMapping, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m VendorFieldMapping
	if err := dec.Decode(&m); err != nil {
		return nil, eris.Wrap(err, "mapping: parse descriptor")
	}
	if len(m.Required) == 0 {
		m.Required = append([]string(nil), DefaultRequired...)
	}
	for name, rule := range m.Fields {
		if rule.Type == "" {
			rule.Type = canonicalType(name)
		} else {
			rule.Type = normalizeType(rule.Type)
		}
		m.Fields[name] = rule
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads and validates one descriptor file.
func LoadFile(path string) (*VendorFieldMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: read %s", path)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: load %s", path)
	}
	return m, nil
}

// Validate checks the descriptor for internal consistency.
func (m *VendorFieldMapping) Validate() error {
	var errs []string

	if strings.TrimSpace(m.Vendor) == "" {
		errs = append(errs, "vendor is required")
	}
	for name, rule := range m.Fields {
		kind := canonicalType(name)
		if kind == "" {
			errs = append(errs, "unknown canonical field "+name)
			continue
		}
		if len(rule.Aliases) == 0 {
			errs = append(errs, name+": at least one alias is required")
		}
		if rule.Type != "" && rule.Type != kind {
			errs = append(errs, name+": declared type "+string(rule.Type)+" does not match "+string(kind))
		}
		if rule.Scale != nil && kind != TypeDecimal {
			errs = append(errs, name+": scale only applies to decimal fields")
		}
	}
	for _, req := range m.Required {
		if canonicalType(req) == "" {
			errs = append(errs, "required field "+req+" is not canonical")
			continue
		}
		if _, ok := m.Fields[req]; !ok {
			errs = append(errs, "required field "+req+" has no mapping")
		}
	}
	if _, ok := m.Fields[AsOfDate]; ok && len(m.DateFormats) == 0 {
		errs = append(errs, "date_formats must list at least one format")
	}

	if len(errs) > 0 {
		return eris.Errorf("mapping: invalid descriptor %q: %s", m.Vendor, strings.Join(errs, "; "))
	}
	return nil
}

func canonicalType(field string) FieldType {
	for _, f := range CanonicalFields {
		if f.Name == field {
			return f.Type
		}
	}
	return ""
}

// normalizeType accepts the type spellings used by vendor descriptors.
func normalizeType(t FieldType) FieldType {
	switch strings.ToLower(string(t)) {
	case "decimal", "double", "numeric", "number", "float":
		return TypeDecimal
	case "date":
		return TypeDate
	case "string", "text":
		return TypeString
	default:
		return t
	}
}
