// Package classifier maps decoded change events to downstream actions. It is
// pure: the same payload always yields the same actions in the same order.
package classifier

import (
	"fmt"

	"github.com/cuongbtq/node-events/internal/event"
)

// Trigger is the condition under which a rule fires: either the creation of
// a record or a status transition into To (optionally from From)
type Trigger struct {
	OnCreate bool
	To       event.Status
	From     event.Status
}

// Created matches the first insertion of a record
func Created() Trigger {
	return Trigger{OnCreate: true}
}

// TransitionTo matches any change of status into to
func TransitionTo(to event.Status) Trigger {
	return Trigger{To: to}
}

// Transition matches a change of status from one specific state into another
func Transition(from, to event.Status) Trigger {
	return Trigger{From: from, To: to}
}

func (t Trigger) String() string {
	switch {
	case t.OnCreate:
		return "created"
	case t.From != "":
		return fmt.Sprintf("%s->%s", t.From, t.To)
	default:
		return "->" + string(t.To)
	}
}

// Key identifies a rule in the table
type Key struct {
	RecordType string
	Trigger    Trigger
}

// ActionFunc builds an action for a record matched by a rule
type ActionFunc func(rec *event.Record) Action

// Classifier is a table of rules keyed by record type and trigger
type Classifier struct {
	keys  []Key
	rules map[Key][]ActionFunc
}

// New returns an empty classifier
func New() *Classifier {
	return &Classifier{rules: make(map[Key][]ActionFunc)}
}

// Register adds builders under key. Keys keep their first registration order.
func (c *Classifier) Register(key Key, fns ...ActionFunc) {
	if _, ok := c.rules[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.rules[key] = append(c.rules[key], fns...)
}

// Keys lists the registered rule keys in evaluation order
func (c *Classifier) Keys() []Key {
	return append([]Key(nil), c.keys...)
}

// Classify returns every action whose rule matches p
func (c *Classifier) Classify(p *event.ChangeEventPayload) []Action {
	rec := p.Data.New
	if rec == nil {
		return nil
	}

	var actions []Action
	for _, key := range c.keys {
		if key.RecordType != rec.Type || !matches(p, key.Trigger) {
			continue
		}
		for _, fn := range c.rules[key] {
			if a := fn(rec); a != nil {
				actions = append(actions, a)
			}
		}
	}
	return actions
}

func matches(p *event.ChangeEventPayload, t Trigger) bool {
	if t.OnCreate {
		return IsCreation(p)
	}
	return TransitionedTo(p, t.To, t.From)
}

// IsCreation reports an INSERT without prior state
func IsCreation(p *event.ChangeEventPayload) bool {
	return p.Operation == event.OperationInsert && p.Data.Old == nil && p.Data.New != nil
}

// TransitionedTo reports whether the record moved into status to. Both
// snapshots must be present and their statuses must differ; with from set the
// old status must also equal from.
func TransitionedTo(p *event.ChangeEventPayload, to, from event.Status) bool {
	old, cur := p.Data.Old, p.Data.New
	if old == nil || cur == nil || old.Status == cur.Status {
		return false
	}
	if from != "" && old.Status != from {
		return false
	}
	return cur.Status == to
}
