// Package validate enforces the domain rules for template payloads and
// normalises caller input before it reaches storage.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/rezkam/expensabl/internal/core"
	"github.com/rezkam/expensabl/internal/schedule"
)

// Default caps, overridable per Validator.
const (
	DefaultMaxNameLen = 100
	DefaultMaxTags    = 10
	DefaultMaxTagLen  = 30
)

// namePattern restricts names to word characters, spaces, dashes, and
// dots.
var namePattern = regexp.MustCompile(`^[\w .\-]+$`)

// currencyPattern matches a three-letter ISO currency code.
var currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)

// highAmountThreshold triggers a non-blocking warning.
var highAmountThreshold = decimal.NewFromInt(10000)

// Validator checks template payloads against the configured caps.
type Validator struct {
	MaxNameLen int
	MaxTags    int
	MaxTagLen  int
}

// New returns a Validator with the default caps.
func New() *Validator {
	return &Validator{
		MaxNameLen: DefaultMaxNameLen,
		MaxTags:    DefaultMaxTags,
		MaxTagLen:  DefaultMaxTagLen,
	}
}

// CreateInput is the caller-supplied part of a template creation request.
type CreateInput struct {
	Name        string
	Tags        []string
	ExpenseData core.ExpenseData
}

// Create validates and normalises a creation request. It returns the
// normalised input and any non-blocking warnings. Normalisation is
// idempotent: running the result through Create again yields the same
// output.
func (v *Validator) Create(in CreateInput) (CreateInput, []string, error) {
	name, err := v.Name(in.Name)
	if err != nil {
		return CreateInput{}, nil, err
	}

	tags, err := v.Tags(in.Tags)
	if err != nil {
		return CreateInput{}, nil, err
	}

	data, warnings, err := v.ExpenseData(in.ExpenseData)
	if err != nil {
		return CreateInput{}, nil, err
	}

	return CreateInput{Name: name, Tags: tags, ExpenseData: data}, warnings, nil
}

// Name validates a template name and returns its trimmed form.
func (v *Validator) Name(name string) (string, error) {
	name = strings.TrimSpace(name)

	if name == "" {
		return "", fmt.Errorf("%w: name is required", core.ErrInvalidName)
	}
	if len(name) > v.MaxNameLen {
		return "", fmt.Errorf("%w: name exceeds %d characters", core.ErrInvalidName, v.MaxNameLen)
	}
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: name may only contain letters, digits, spaces, dashes, and dots", core.ErrInvalidName)
	}

	return name, nil
}

// Tags validates a tag list and returns it trimmed, lowercased,
// de-duplicated, and capped at MaxTags.
func (v *Validator) Tags(tags []string) ([]string, error) {
	cleaned := lo.FilterMap(tags, func(tag string, _ int) (string, bool) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		return tag, tag != ""
	})

	for _, tag := range cleaned {
		if len(tag) > v.MaxTagLen {
			return nil, fmt.Errorf("%w: tag %q exceeds %d characters", core.ErrInvalidData, tag, v.MaxTagLen)
		}
	}

	cleaned = lo.Uniq(cleaned)
	if len(cleaned) > v.MaxTags {
		cleaned = cleaned[:v.MaxTags]
	}

	return cleaned, nil
}

// ExpenseData validates the expense recipe and returns it with the
// currency code uppercased. The returned warnings never block acceptance.
func (v *Validator) ExpenseData(data core.ExpenseData) (core.ExpenseData, []string, error) {
	if strings.TrimSpace(data.Merchant.Name) == "" {
		return core.ExpenseData{}, nil, fmt.Errorf("%w: merchant name is required", core.ErrInvalidData)
	}
	data.Merchant.Name = strings.TrimSpace(data.Merchant.Name)

	if !data.MerchantAmount.IsPositive() {
		return core.ExpenseData{}, nil, fmt.Errorf("%w: merchant amount must be positive", core.ErrInvalidData)
	}

	if !currencyPattern.MatchString(data.MerchantCurrency) {
		return core.ExpenseData{}, nil, fmt.Errorf("%w: merchant currency must be a 3-letter ISO code", core.ErrInvalidData)
	}
	data.MerchantCurrency = strings.ToUpper(data.MerchantCurrency)

	var warnings []string
	if data.MerchantAmount.GreaterThan(highAmountThreshold) {
		warnings = append(warnings, fmt.Sprintf("amount %s seems unusually high", data.MerchantAmount))
	}

	return data, warnings, nil
}

// Schedule validates a schedule configuration.
func (v *Validator) Schedule(s *core.Schedule) error {
	return schedule.Validate(s)
}
