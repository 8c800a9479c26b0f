// Package storage persists responder registries and incidents. Postgres is the production
// adapter; Memory backs tests and single-process deployments.
package storage

import (
	"fmt"

	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/pkg/e"
)

var tables = map[responder.Kind]string{
	responder.KindAmbulance: "ambulances",
	responder.KindHospital:  "hospitals",
	responder.KindVolunteer: "volunteers",
	responder.KindDonor:     "donors",
}

// reservable kinds carry an availability status; hospitals do not.
func reservable(kind responder.Kind) (string, bool, error) {
	table, ok := tables[kind]
	if !ok {
		return "", false, fmt.Errorf("responder kind %q: %w", kind, e.ErrValidation)
	}
	return table, kind != responder.KindHospital, nil
}
