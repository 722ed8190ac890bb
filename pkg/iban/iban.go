/**
 * @description
 * Package iban produces and validates IBAN-shaped account identifiers built on the
 * French/CEMAC RIB layout: bank code (5) + branch code (5) + account number (11) +
 * national check key (2). The national key and the IBAN check digits are both
 * modulus-97 checksums.
 *
 * @notes
 * - Every field is handled as a fixed-width digit string. Converting to integers
 *   would drop leading zeros and break both the widths and the checksum.
 * - The generator does not guarantee uniqueness; callers regenerate when the store
 *   reports a conflict.
 */
package iban

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

const (
	BankCodeLength      = 5
	BranchCodeLength    = 5
	AccountNumberLength = 11
	CheckKeyLength      = 2
	BBANLength          = BankCodeLength + BranchCodeLength + AccountNumberLength + CheckKeyLength
	IdentifierLength    = 4 + BBANLength
)

var (
	ErrMalformed        = errors.New("malformed identifier")
	ErrCheckKeyMismatch = errors.New("national check key mismatch")
	ErrCheckDigits      = errors.New("iban check digits mismatch")
)

// Identifier is a parsed account identifier.
type Identifier struct {
	CountryCode   string `json:"country_code"`
	CheckDigits   string `json:"check_digits"`
	BankCode      string `json:"bank_code"`
	BranchCode    string `json:"branch_code"`
	AccountNumber string `json:"account_number"`
	CheckKey      string `json:"check_key"`
}

// BBAN returns bank code, branch code, account number and check key concatenated.
func (id Identifier) BBAN() string {
	return id.BankCode + id.BranchCode + id.AccountNumber + id.CheckKey
}

// String returns the compact IBAN form.
func (id Identifier) String() string {
	return id.CountryCode + id.CheckDigits + id.BBAN()
}

// NationalCheckKey computes 97 - (N mod 97) where N is bank ∥ branch ∥ account ∥ "00".
func NationalCheckKey(bankCode, branchCode, accountNumber string) (string, error) {
	if err := requireDigits("bank code", bankCode, BankCodeLength); err != nil {
		return "", err
	}
	if err := requireDigits("branch code", branchCode, BranchCodeLength); err != nil {
		return "", err
	}
	if err := requireDigits("account number", accountNumber, AccountNumberLength); err != nil {
		return "", err
	}

	remainder := mod97(bankCode + branchCode + accountNumber + "00")
	return fmt.Sprintf("%02d", 97-remainder), nil
}

// CheckDigits computes the ISO 13616 check digits for a country code and BBAN.
func CheckDigits(countryCode, bban string) (string, error) {
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))
	if err := requireLetters("country code", countryCode, 2); err != nil {
		return "", err
	}
	numeric, err := toNumeric(bban + countryCode + "00")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d", 98-mod97(numeric)), nil
}

// Parse validates a compact or space-grouped identifier and splits it into fields.
// The national check key is always verified. The IBAN check digits are verified only
// when verifyCheckDigits is set, since identifiers may carry fixed check digits.
func Parse(raw string, verifyCheckDigits bool) (Identifier, error) {
	compact := Normalize(raw)
	if len(compact) != IdentifierLength {
		return Identifier{}, fmt.Errorf("%w: expected %d characters, got %d", ErrMalformed, IdentifierLength, len(compact))
	}

	id := Identifier{
		CountryCode:   compact[0:2],
		CheckDigits:   compact[2:4],
		BankCode:      compact[4:9],
		BranchCode:    compact[9:14],
		AccountNumber: compact[14:25],
		CheckKey:      compact[25:27],
	}
	if err := requireLetters("country code", id.CountryCode, 2); err != nil {
		return Identifier{}, err
	}
	if err := requireDigits("check digits", id.CheckDigits, 2); err != nil {
		return Identifier{}, err
	}
	if err := requireDigits("check key", id.CheckKey, CheckKeyLength); err != nil {
		return Identifier{}, err
	}

	expectedKey, err := NationalCheckKey(id.BankCode, id.BranchCode, id.AccountNumber)
	if err != nil {
		return Identifier{}, err
	}
	if expectedKey != id.CheckKey {
		return Identifier{}, fmt.Errorf("%w: expected %s, got %s", ErrCheckKeyMismatch, expectedKey, id.CheckKey)
	}

	if verifyCheckDigits {
		expectedDigits, err := CheckDigits(id.CountryCode, id.BBAN())
		if err != nil {
			return Identifier{}, err
		}
		if expectedDigits != id.CheckDigits {
			return Identifier{}, fmt.Errorf("%w: expected %s, got %s", ErrCheckDigits, expectedDigits, id.CheckDigits)
		}
	}
	return id, nil
}

// Normalize strips whitespace and upper-cases an identifier.
func Normalize(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}

// Format groups an identifier by four characters for display.
func Format(raw string) string {
	compact := Normalize(raw)
	var b strings.Builder
	for i := 0; i < len(compact); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(compact) {
			end = len(compact)
		}
		b.WriteString(compact[i:end])
	}
	return b.String()
}

// Option configures a Generator.
type Option func(*Generator)

// WithFixedCheckDigits makes the generator emit the given two digits instead of the
// computed ISO 13616 check digits.
func WithFixedCheckDigits(digits string) Option {
	return func(g *Generator) {
		g.fixedCheckDigits = strings.TrimSpace(digits)
	}
}

// WithSource replaces the random source, mostly for deterministic tests.
func WithSource(src rand.Source) Option {
	return func(g *Generator) {
		g.rng = rand.New(src)
	}
}

// Generator creates random identifiers for a bank profile.
type Generator struct {
	mu               sync.Mutex
	rng              *rand.Rand
	fixedCheckDigits string
}

func NewGenerator(opts ...Option) (*Generator, error) {
	g := &Generator{}
	for _, opt := range opts {
		opt(g)
	}
	if g.fixedCheckDigits != "" {
		if err := requireDigits("fixed check digits", g.fixedCheckDigits, 2); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Generate draws a branch code and account number and derives the check fields.
func (g *Generator) Generate(profile BankProfile) (Identifier, error) {
	if err := profile.Validate(); err != nil {
		return Identifier{}, err
	}
	branch := g.digits(BranchCodeLength)
	account := g.digits(AccountNumberLength)
	return g.Compose(profile.CountryCode, profile.Code, branch, account)
}

// Compose builds an identifier from explicit fields.
func (g *Generator) Compose(countryCode, bankCode, branchCode, accountNumber string) (Identifier, error) {
	key, err := NationalCheckKey(bankCode, branchCode, accountNumber)
	if err != nil {
		return Identifier{}, err
	}
	id := Identifier{
		CountryCode:   strings.ToUpper(strings.TrimSpace(countryCode)),
		BankCode:      bankCode,
		BranchCode:    branchCode,
		AccountNumber: accountNumber,
		CheckKey:      key,
	}
	if err := requireLetters("country code", id.CountryCode, 2); err != nil {
		return Identifier{}, err
	}

	if g.fixedCheckDigits != "" {
		id.CheckDigits = g.fixedCheckDigits
		return id, nil
	}
	id.CheckDigits, err = CheckDigits(id.CountryCode, id.BBAN())
	if err != nil {
		return Identifier{}, err
	}
	return id, nil
}

func (g *Generator) digits(n int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := make([]byte, n)
	for i := range b {
		var d int
		if g.rng != nil {
			d = g.rng.IntN(10)
		} else {
			d = rand.IntN(10)
		}
		b[i] = byte('0' + d)
	}
	return string(b)
}

// mod97 reduces a decimal digit string modulo 97 without big integers.
func mod97(digits string) int {
	remainder := 0
	for i := 0; i < len(digits); i++ {
		remainder = (remainder*10 + int(digits[i]-'0')) % 97
	}
	return remainder
}

// toNumeric replaces letters by two-digit values, A=10 through Z=35.
func toNumeric(s string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			fmt.Fprintf(&b, "%d", int(r-'A')+10)
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrMalformed, r)
		}
	}
	return b.String(), nil
}

func requireDigits(field, value string, length int) error {
	if len(value) != length {
		return fmt.Errorf("%w: %s must be %d digits, got %q", ErrMalformed, field, length, value)
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return fmt.Errorf("%w: %s must be numeric, got %q", ErrMalformed, field, value)
		}
	}
	return nil
}

func requireLetters(field, value string, length int) error {
	if len(value) != length {
		return fmt.Errorf("%w: %s must be %d letters, got %q", ErrMalformed, field, length, value)
	}
	for i := 0; i < len(value); i++ {
		if value[i] < 'A' || value[i] > 'Z' {
			return fmt.Errorf("%w: %s must be upper-case letters, got %q", ErrMalformed, field, value)
		}
	}
	return nil
}
