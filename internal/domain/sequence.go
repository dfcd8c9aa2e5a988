package domain

import "time"

// SequenceStep is one delayed message inside a sequence definition.
type SequenceStep struct {
	Kind         PayloadKind `yaml:"kind" validate:"required"`
	Content      string      `yaml:"content" validate:"required"`
	DelayMinutes int         `yaml:"delay_minutes" validate:"gte=0"`
}

type SequenceDefinition struct {
	ID      string         `yaml:"id" validate:"required"`
	Trigger string         `yaml:"trigger"`
	Name    string         `yaml:"name"`
	Active  bool           `yaml:"active"`
	Steps   []SequenceStep `yaml:"steps" validate:"dive"`
}

// Schedulable reports whether scheduling the definition produces any task.
func (d *SequenceDefinition) Schedulable() bool {
	return d != nil && d.Active && len(d.Steps) > 0
}

// DueAt returns when step i fires for a sequence started at startAt.
func (d *SequenceDefinition) DueAt(startAt time.Time, i int) time.Time {
	return startAt.Add(time.Duration(d.Steps[i].DelayMinutes) * time.Minute)
}
