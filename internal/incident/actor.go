package incident

import (
	"fmt"
	"strings"

	"lifeline/dispatch/pkg/e"
)

type ActorKind string

const (
	ActorAmbulance ActorKind = "ambulance"
	ActorVolunteer ActorKind = "volunteer"
	ActorDonor     ActorKind = "donor"
	ActorHospital  ActorKind = "hospital"
	ActorUser      ActorKind = "user"
	ActorSystem    ActorKind = "system"
)

// Actor identifies who caused a timeline event.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

var System = Actor{Kind: ActorSystem}

func User(id string) Actor { return Actor{Kind: ActorUser, ID: id} }

func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Kind)
	}
	return string(a.Kind) + ":" + a.ID
}

func (a Actor) Valid() bool {
	switch a.Kind {
	case ActorSystem:
		return true
	case ActorAmbulance, ActorVolunteer, ActorDonor, ActorHospital, ActorUser:
		return a.ID != ""
	}
	return false
}

func ParseActor(kind, id string) (Actor, error) {
	a := Actor{Kind: ActorKind(strings.ToLower(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	if !a.Valid() {
		return Actor{}, fmt.Errorf("actor %q/%q: %w", kind, id, e.ErrValidation)
	}
	return a, nil
}
