// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invocation

import (
	"time"
)

// Invocation is a point-in-time copy of one tool invocation.
//
// Values returned by the Aggregator and Gate are snapshots; mutating them
// has no effect on the registry.
type Invocation struct {
	ID             string     `json:"id"`
	TurnID         string     `json:"turn_id"`
	Tool           string     `json:"tool"`
	Args           *Args      `json:"args"`
	State          State      `json:"state"`
	IsPartial      bool       `json:"is_partial"`
	Signature      string     `json:"signature,omitempty"`
	LocallySourced bool       `json:"locally_sourced,omitempty"`
	Result         string     `json:"result,omitempty"`
	Aliases        []string   `json:"aliases,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// record is the mutable registry entry behind an Invocation.
type record struct {
	id             string
	tool           string
	args           *Args
	state          State
	isPartial      bool
	signature      string
	locallySourced bool
	result         string
	aliases        []string
	createdAt      time.Time
	resolvedAt     time.Time
}

func (r *record) snapshot(turnID string) Invocation {
	inv := Invocation{
		ID:             r.id,
		TurnID:         turnID,
		Tool:           r.tool,
		Args:           r.args.Clone(),
		State:          r.state,
		IsPartial:      r.isPartial,
		Signature:      r.signature,
		LocallySourced: r.locallySourced,
		Result:         r.result,
		CreatedAt:      r.createdAt,
	}
	if len(r.aliases) > 0 {
		inv.Aliases = append([]string(nil), r.aliases...)
	}
	if !r.resolvedAt.IsZero() {
		t := r.resolvedAt
		inv.ResolvedAt = &t
	}
	return inv
}

// Registry holds the invocations of one turn.
//
// Description:
//
//	Invocations are kept in start order. A signature index maps each
//	finalized, non-terminal invocation's signature to its id and is what
//	duplicate detection consults. Ids of collapsed duplicates stay
//	resolvable as aliases of the surviving invocation.
//
// Thread Safety:
//
//	Registry is not safe for concurrent use. Its owning Aggregator guards
//	it with the turn lock.
type Registry struct {
	turnID      string
	order       []*record
	byID        map[string]*record
	aliases     map[string]string
	bySignature map[string]string

	// turnWide extends duplicate detection to terminal invocations.
	turnWide bool

	// open is the most recently started invocation still under
	// construction, addressed by fragments without an id.
	open string
}

func newRegistry(turnID string, turnWide bool) *Registry {
	return &Registry{
		turnID:      turnID,
		byID:        make(map[string]*record),
		aliases:     make(map[string]string),
		bySignature: make(map[string]string),
		turnWide:    turnWide,
	}
}

// Invocations returns snapshots in start order.
func (r *Registry) Invocations() []Invocation {
	out := make([]Invocation, 0, len(r.order))
	for _, rec := range r.order {
		out = append(out, rec.snapshot(r.turnID))
	}
	return out
}

// known reports whether id was ever used in this turn, directly or as an alias.
func (r *Registry) known(id string) bool {
	if _, ok := r.byID[id]; ok {
		return true
	}
	_, ok := r.aliases[id]
	return ok
}

// resolve finds the record for id, following aliases. An empty id
// resolves to the open invocation.
func (r *Registry) resolve(id string) (*record, bool) {
	if id == "" {
		id = r.open
		if id == "" {
			return nil, false
		}
	}
	if survivor, ok := r.aliases[id]; ok {
		id = survivor
	}
	rec, ok := r.byID[id]
	return rec, ok
}

func (r *Registry) add(rec *record) {
	r.order = append(r.order, rec)
	r.byID[rec.id] = rec
	r.open = rec.id
}

// duplicateOf returns the invocation already holding sig, if any.
func (r *Registry) duplicateOf(sig string, self *record) (*record, bool) {
	if id, ok := r.bySignature[sig]; ok {
		if rec, ok := r.byID[id]; ok && rec != self {
			return rec, true
		}
	}
	if !r.turnWide {
		return nil, false
	}
	for _, rec := range r.order {
		if rec != self && !rec.isPartial && rec.state != StateRejected && rec.signature == sig {
			return rec, true
		}
	}
	return nil, false
}

// collapse removes dup from the turn and makes its id an alias of survivor.
func (r *Registry) collapse(dup, survivor *record) {
	for i, rec := range r.order {
		if rec == dup {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	delete(r.byID, dup.id)
	r.aliases[dup.id] = survivor.id
	for _, a := range dup.aliases {
		r.aliases[a] = survivor.id
	}
	survivor.aliases = append(survivor.aliases, dup.id)
	survivor.aliases = append(survivor.aliases, dup.aliases...)
	if r.open == dup.id {
		r.open = ""
	}
}

// index registers a finalized invocation's signature.
func (r *Registry) index(rec *record) {
	r.bySignature[rec.signature] = rec.id
	if r.open == rec.id {
		r.open = ""
	}
}

// unindex drops rec from the signature index once it leaves the
// non-terminal states.
func (r *Registry) unindex(rec *record) {
	if rec.signature != "" && r.bySignature[rec.signature] == rec.id {
		delete(r.bySignature, rec.signature)
	}
	if r.open == rec.id {
		r.open = ""
	}
}
