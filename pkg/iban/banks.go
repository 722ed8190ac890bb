package iban

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultCountryCode is used for profiles that do not name a country.
const DefaultCountryCode = "CG"

// BankProfile identifies the issuing institution of an identifier.
type BankProfile struct {
	Name        string `json:"name"`
	Code        string `json:"bank_code"`
	BIC         string `json:"bic"`
	CountryCode string `json:"country_code"`
}

func (p BankProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: bank name is required", ErrMalformed)
	}
	if err := requireDigits("bank code", p.Code, BankCodeLength); err != nil {
		return err
	}
	if err := requireLetters("country code", p.CountryCode, 2); err != nil {
		return err
	}
	if n := len(p.BIC); n != 8 && n != 11 {
		return fmt.Errorf("%w: BIC must be 8 or 11 characters, got %q", ErrMalformed, p.BIC)
	}
	return nil
}

var defaultBanks = []BankProfile{
	{Name: "EcoCapital", Code: "30001", BIC: "ECAPCGCG", CountryCode: DefaultCountryCode},
	{Name: "BGFIBank Congo", Code: "30011", BIC: "BGFICGCG", CountryCode: DefaultCountryCode},
	{Name: "LCB Bank", Code: "30012", BIC: "LCBACGCG", CountryCode: DefaultCountryCode},
	{Name: "Ecobank Congo", Code: "30013", BIC: "ECOCCGCG", CountryCode: DefaultCountryCode},
	{Name: "Societe Generale Congo", Code: "30014", BIC: "SGCGCGCG", CountryCode: DefaultCountryCode},
	{Name: "UBA Congo", Code: "30015", BIC: "UNAFCGCG", CountryCode: DefaultCountryCode},
}

// Registry holds the bank profiles accounts can be opened with, keyed by name.
type Registry struct {
	profiles map[string]BankProfile
}

// NewRegistry builds a registry from the built-in profiles plus any extra ones.
// Extra profiles replace built-in profiles of the same name.
func NewRegistry(extra ...BankProfile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]BankProfile, len(defaultBanks)+len(extra))}
	for _, p := range defaultBanks {
		r.profiles[registryKey(p.Name)] = p
	}
	for _, p := range extra {
		p.Name = strings.TrimSpace(p.Name)
		p.BIC = strings.ToUpper(strings.TrimSpace(p.BIC))
		p.CountryCode = strings.ToUpper(strings.TrimSpace(p.CountryCode))
		if p.CountryCode == "" {
			p.CountryCode = DefaultCountryCode
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("bank profile %q: %w", p.Name, err)
		}
		r.profiles[registryKey(p.Name)] = p
	}
	return r, nil
}

// Lookup finds a profile by name, ignoring case and surrounding spaces.
func (r *Registry) Lookup(name string) (BankProfile, bool) {
	p, ok := r.profiles[registryKey(name)]
	return p, ok
}

// Profiles returns every profile ordered by name.
func (r *Registry) Profiles() []BankProfile {
	out := make([]BankProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseProfiles reads "Name:code:BIC[:CC]" entries separated by semicolons.
func ParseProfiles(raw string) ([]BankProfile, error) {
	var profiles []BankProfile
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 && len(parts) != 4 {
			return nil, fmt.Errorf("%w: bank profile %q must be Name:code:BIC[:country]", ErrMalformed, entry)
		}
		p := BankProfile{
			Name: strings.TrimSpace(parts[0]),
			Code: strings.TrimSpace(parts[1]),
			BIC:  strings.ToUpper(strings.TrimSpace(parts[2])),
		}
		if len(parts) == 4 {
			p.CountryCode = strings.ToUpper(strings.TrimSpace(parts[3]))
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func registryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
