package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ghodss/yaml"

	"github.com/gantryci/gantry/scm"
)

type (
	// Trigger defines which repository events start a run. A trigger
	// matches an event when the kind is equal and the destination branch
	// is one of Branches.
	Trigger struct {
		Event    string   `json:"event"`
		Branches []string `json:"branches"`
	}

	// SpecDetails holds the trigger rules and the ordered stage list
	SpecDetails struct {
		Triggers  []Trigger   `json:"triggers"`
		Stages    []Stage     `json:"stages"`
		Notifiers []*Notifier `json:"notifiers,omitempty"`
		Secrets   []string    `json:"secrets,omitempty"`
	}
)

// Definition is the parsed pipeline specification (DefinitionYAML)
type Definition struct {
	APIVersion string                 `json:"apiVersion"`
	Kind       string                 `json:"kind"`
	Metadata   map[string]interface{} `json:"metadata"`
	Spec       SpecDetails            `json:"spec"`
}

// Match checks a single trigger rule against an event kind and its
// destination branch. Branch order is irrelevant.
func (t *Trigger) Match(event, branch string) bool {
	if t.Event != event {
		return false
	}
	for _, b := range t.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// Evaluate returns true iff any trigger rule matches the hook. It has no
// side effects; a non-matching event simply never starts a run.
func (d *Definition) Evaluate(hook *scm.Hook) bool {
	for i := range d.Spec.Triggers {
		if d.Spec.Triggers[i].Match(hook.Event, hook.Branch) {
			return true
		}
	}
	return false
}

// GetStages returns the stages in declaration order with their run
// indices assigned.
func (d *Definition) GetStages() []*Stage {
	stages := make([]*Stage, len(d.Spec.Stages))

	for i := range d.Spec.Stages {
		stages[i] = &d.Spec.Stages[i]
		stages[i].Index = i + 1
	}

	return stages
}

// GetDefinition parses and validates a pipeline definition. Malformed
// definitions fail here, before any stage runs.
func GetDefinition(definition []byte) (payload *Definition, err error) {

	if len(definition) == 0 {
		return nil, errors.New("Empty YAML file")
	}

	data, err := yaml.YAMLToJSON(definition)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	// a null yaml document unmarshals to nil without an error
	if payload == nil {
		return nil, errors.New("Empty YAML file")
	}

	if err = payload.Validate(); err != nil {
		return nil, err
	}

	return payload, nil
}

// Validate checks the static stage descriptors for load-time errors.
func (d *Definition) Validate() error {
	if len(d.Spec.Stages) == 0 {
		return errors.New("Pipeline requires at least one stage.")
	}

	for i := range d.Spec.Stages {
		stage := &d.Spec.Stages[i]
		if stage.Name == "" {
			return fmt.Errorf("Stage %d requires a name.", i+1)
		}

		switch stage.Type {
		case StageCommand:
			if len(stage.Commands()) == 0 {
				return fmt.Errorf("Stage %q requires a command.", stage.Name)
			}
		case StageUpload:
			if stage.UploadArtifact() == "" {
				return fmt.Errorf("Stage %q requires an artifact to upload.", stage.Name)
			}
		default:
			return fmt.Errorf("Stage %q has unknown type %q.", stage.Name, stage.Type)
		}
	}

	for i := range d.Spec.Triggers {
		trigger := &d.Spec.Triggers[i]
		if trigger.Event != scm.EventPush && trigger.Event != scm.EventPullRequest {
			return fmt.Errorf("Trigger %d has unknown event %q.", i+1, trigger.Event)
		}
		if len(trigger.Branches) == 0 {
			return fmt.Errorf("Trigger %d requires at least one branch.", i+1)
		}
	}

	return nil
}
