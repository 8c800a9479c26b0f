package responder

import (
	"fmt"
	"strings"

	"lifeline/dispatch/pkg/e"
)

type BloodType string

const (
	OPositive  BloodType = "O+"
	ONegative  BloodType = "O-"
	APositive  BloodType = "A+"
	ANegative  BloodType = "A-"
	BPositive  BloodType = "B+"
	BNegative  BloodType = "B-"
	ABPositive BloodType = "AB+"
	ABNegative BloodType = "AB-"
)

// BloodTypes lists every type in a stable order.
var BloodTypes = []BloodType{ONegative, OPositive, ANegative, APositive, BNegative, BPositive, ABNegative, ABPositive}

func (b BloodType) Valid() bool {
	for _, t := range BloodTypes {
		if t == b {
			return true
		}
	}
	return false
}

func ParseBloodType(raw string) (BloodType, error) {
	b := BloodType(strings.ToUpper(strings.ReplaceAll(raw, " ", "")))
	if !b.Valid() {
		return "", fmt.Errorf("blood type %q: %w", raw, e.ErrValidation)
	}
	return b, nil
}
