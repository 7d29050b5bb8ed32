package approval

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrTerminal is returned for any action on a request that already reached
	// approved, rejected or withdrawn.
	ErrTerminal = errors.New("approval: request is in a terminal stage")
	// ErrUnknownAction is returned for actions outside approve/reject/withdraw.
	ErrUnknownAction = errors.New("approval: unknown action")
	// ErrReasonRequired is returned when a rejection carries no reason.
	ErrReasonRequired = errors.New("approval: rejection reason is required")
)

// DeniedError reports an actor without authority for the requested action.
type DeniedError struct {
	Stage  Stage
	Action Action
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("approval: %s not permitted at %s: %s", e.Action, e.Stage, e.Reason)
}

// Effect is a side effect the caller must carry out after a transition.
type Effect string

const (
	EffectStampMentor         Effect = "stamp_mentor"
	EffectStampResourceOwner  Effect = "stamp_resource_owner"
	EffectStampFinalAuthority Effect = "stamp_final_authority"
	EffectStampRejection      Effect = "stamp_rejection"
	EffectStampWithdrawal     Effect = "stamp_withdrawal"
	// EffectSubDecision marks a resource owner decision on one lab of a
	// multi-lab booking. The parent stays put until Aggregate promotes it.
	EffectSubDecision        Effect = "sub_decision"
	EffectNotifyNextApprover Effect = "notify_next_approver"
	EffectNotifyRequester    Effect = "notify_requester"
)

// Decision is what an actor asks the machine to do.
type Decision struct {
	Action  Action
	Reason  string
	Remarks string
}

// Policy carries the per-request facts the table branches on.
type Policy struct {
	MultiResource bool
}

// Outcome is the result of an accepted transition.
type Outcome struct {
	From     Stage
	To       Stage
	Action   Action
	Capacity Capacity
	Effects  []Effect
}

// Has reports whether the outcome carries effect e.
func (o Outcome) Has(e Effect) bool {
	return slices.Contains(o.Effects, e)
}

// Changed reports whether the parent stage moved.
func (o Outcome) Changed() bool {
	return o.From != o.To
}

type ruleKey struct {
	stage    Stage
	capacity Capacity
	action   Action
	multi    bool
}

// Rule is one row of the transition table.
type Rule struct {
	From     Stage
	Capacity Capacity
	Action   Action
	Multi    bool
	To       Stage
	Effects  []Effect
}

var (
	rejectEffects   = []Effect{EffectStampRejection, EffectNotifyRequester}
	withdrawEffects = []Effect{EffectStampWithdrawal, EffectNotifyNextApprover}
	subEffects      = []Effect{EffectSubDecision}
)

// rules is the full transition table. Rows without Multi apply to both single
// and multi-lab requests unless a Multi row overrides the same key.
var rules = buildRules()

func buildRules() []Rule {
	var out []Rule
	add := func(from Stage, caps []Capacity, action Action, to Stage, effects []Effect) {
		for _, c := range caps {
			out = append(out, Rule{From: from, Capacity: c, Action: action, To: to, Effects: effects})
			out = append(out, Rule{From: from, Capacity: c, Action: action, Multi: true, To: to, Effects: effects})
		}
	}
	override := func(from Stage, c Capacity, action Action, to Stage, effects []Effect) {
		for i := range out {
			r := &out[i]
			if r.Multi && r.From == from && r.Capacity == c && r.Action == action {
				r.To, r.Effects = to, effects
			}
		}
	}

	add(StagePendingMentor, []Capacity{CapacityMentor, CapacityAdmin}, ActionApprove,
		StagePendingResourceOwner, []Effect{EffectStampMentor, EffectNotifyNextApprover})
	add(StagePendingMentor, []Capacity{CapacityMentor, CapacityResourceOwner, CapacityFinalAuthority, CapacityAdmin}, ActionReject,
		StageRejected, rejectEffects)

	add(StagePendingResourceOwner, []Capacity{CapacityResourceOwner, CapacityAdmin}, ActionApprove,
		StagePendingFinalAuthority, []Effect{EffectStampResourceOwner, EffectNotifyNextApprover})
	add(StagePendingResourceOwner, []Capacity{CapacityResourceOwner, CapacityFinalAuthority, CapacityAdmin}, ActionReject,
		StageRejected, rejectEffects)

	add(StagePendingFinalAuthority, []Capacity{CapacityFinalAuthority, CapacityAdmin}, ActionApprove,
		StageApproved, []Effect{EffectStampFinalAuthority, EffectNotifyRequester})
	add(StagePendingFinalAuthority, []Capacity{CapacityFinalAuthority, CapacityAdmin}, ActionReject,
		StageRejected, rejectEffects)

	for _, s := range []Stage{StagePendingMentor, StagePendingResourceOwner, StagePendingFinalAuthority} {
		add(s, []Capacity{CapacityRequester}, ActionWithdraw, StageWithdrawn, withdrawEffects)
	}

	// Owner decisions on a multi-lab booking land on one lab only.
	for _, c := range []Capacity{CapacityResourceOwner, CapacityAdmin} {
		override(StagePendingResourceOwner, c, ActionApprove, StagePendingResourceOwner, subEffects)
		override(StagePendingResourceOwner, c, ActionReject, StagePendingResourceOwner, subEffects)
	}
	return out
}

var table = func() map[ruleKey]Rule {
	m := make(map[ruleKey]Rule, len(rules))
	for _, r := range rules {
		m[ruleKey{r.From, r.Capacity, r.Action, r.Multi}] = r
	}
	return m
}()

// Rules returns a copy of the transition table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// capacityOrder is the order in which held capacities are tried: the one bound
// to the stage first, then the rest from most to least specific.
func capacityOrder(from Stage) []Capacity {
	order := []Capacity{}
	if c := stageCapacity(from); c != 0 {
		order = append(order, c)
	}
	for _, c := range []Capacity{CapacityMentor, CapacityResourceOwner, CapacityFinalAuthority, CapacityAdmin, CapacityRequester} {
		if !slices.Contains(order, c) {
			order = append(order, c)
		}
	}
	return order
}

// Transition looks up the table row for the actor's capacities and returns the
// resulting outcome. It never mutates anything.
func Transition(from Stage, held Capacities, d Decision, p Policy) (Outcome, error) {
	if !d.Action.Valid() {
		return Outcome{}, ErrUnknownAction
	}
	if from.Terminal() {
		return Outcome{}, ErrTerminal
	}
	if !from.Pending() {
		return Outcome{}, fmt.Errorf("approval: unknown stage %q", from)
	}

	for _, c := range capacityOrder(from) {
		if !held.Has(c) {
			continue
		}
		r, ok := table[ruleKey{from, c, d.Action, p.MultiResource}]
		if !ok {
			continue
		}
		if d.Action == ActionReject && strings.TrimSpace(d.Reason) == "" {
			return Outcome{}, ErrReasonRequired
		}
		return Outcome{
			From:     from,
			To:       r.To,
			Action:   d.Action,
			Capacity: c,
			Effects:  slices.Clone(r.Effects),
		}, nil
	}

	return Outcome{}, &DeniedError{Stage: from, Action: d.Action, Reason: denialReason(from, held, d.Action)}
}

func denialReason(from Stage, held Capacities, action Action) string {
	switch action {
	case ActionWithdraw:
		return "only the requester may withdraw"
	case ActionApprove:
		if held.Has(CapacityFinalAuthority) || held.Has(CapacityResourceOwner) || held.Has(CapacityMentor) {
			return "approval belongs to the " + stageCapacity(from).String()
		}
		return "actor holds no approving role for this request"
	case ActionReject:
		return "rejection requires authority at or above the " + stageCapacity(from).String()
	}
	return "not permitted"
}

// EntryStage returns the first stage of a request raised by role.
func EntryStage(requester Role) Stage {
	if requester.RequiresMentor() {
		return StagePendingMentor
	}
	return StagePendingResourceOwner
}

// RanksAtOrAbove reports whether capacity c may act on stage s.
func RanksAtOrAbove(c Capacity, s Stage) bool {
	switch c {
	case CapacityAdmin:
		return true
	case CapacityFinalAuthority:
		return s.rank() <= StagePendingFinalAuthority.rank()
	case CapacityResourceOwner:
		return s.rank() <= StagePendingResourceOwner.rank()
	case CapacityMentor:
		return s.rank() <= StagePendingMentor.rank()
	}
	return false
}
