package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/btravel/internal/storage"
)

// ErrInvalidAgent wraps every agent validation failure.
var ErrInvalidAgent = errors.New("invalid agent")

// Validate checks the structural rules of an agent definition: name,
// kind and description are present, required fields are unique, optional
// fields are unique and disjoint from the required ones.
func Validate(a storage.Agent) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAgent)
	}
	if strings.TrimSpace(a.Kind) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidAgent)
	}
	if strings.TrimSpace(a.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidAgent)
	}

	required := make(map[string]bool, len(a.RequiredFields))
	for _, f := range a.RequiredFields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: empty required field name", ErrInvalidAgent)
		}
		if required[f] {
			return fmt.Errorf("%w: required field %q listed twice", ErrInvalidAgent, f)
		}
		required[f] = true
	}

	optional := make(map[string]bool, len(a.OptionalFields))
	for _, f := range a.OptionalFields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: empty optional field name", ErrInvalidAgent)
		}
		if required[f] {
			return fmt.Errorf("%w: field %q is both required and optional", ErrInvalidAgent, f)
		}
		if optional[f] {
			return fmt.Errorf("%w: optional field %q listed twice", ErrInvalidAgent, f)
		}
		optional[f] = true
	}
	return nil
}
