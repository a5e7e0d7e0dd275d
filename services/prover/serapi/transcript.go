// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package serapi

import (
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
	"github.com/AleutianAI/AleutianProver/services/prover/sexp"
)

// =============================================================================
// OUTCOMES
// =============================================================================

// Kind classifies one sertop message.
type Kind int

const (
	// KindUnrecognized is a malformed or unexpected message. Fatal.
	KindUnrecognized Kind = iota

	// KindAck is an acceptance without goal payload: Ack, Added or Canceled.
	KindAck

	// KindGoalState is an ObjList answer carrying goals.
	KindGoalState

	// KindError is a CoqExn answer.
	KindError

	// KindCompleted ends the answers for one tag.
	KindCompleted

	// KindFeedback is an out-of-band Feedback message.
	KindFeedback
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindGoalState:
		return "goal_state"
	case KindError:
		return "error"
	case KindCompleted:
		return "completed"
	case KindFeedback:
		return "feedback"
	default:
		return "unrecognized"
	}
}

// Outcome is one decoded message.
type Outcome struct {
	Kind Kind

	// Tag is the command tag the answer belongs to. Empty for feedback.
	Tag string

	// StateIDs holds the sid of an Added answer or the sids of a Canceled one.
	StateIDs []int

	// Goals is set for KindGoalState.
	Goals proofstate.Goals

	// Message is the error text for KindError, the reason for
	// KindUnrecognized, or the message text of a feedback, if any.
	Message string

	// Raw is the message as received.
	Raw string
}

// =============================================================================
// PARSING
// =============================================================================

// ParseMessage decodes one raw message. It never fails: anything that is not
// a well-formed, known message is returned as KindUnrecognized.
func ParseMessage(raw string) Outcome {
	node, err := sexp.Parse(raw)
	if err != nil {
		return Outcome{Kind: KindUnrecognized, Message: err.Error(), Raw: raw}
	}
	out := Classify(node)
	out.Raw = raw
	return out
}

// Classify maps a parsed message to an outcome.
//
// Description:
//
//	Recognizes (Answer tag payload) and (Feedback ...). Payloads are Ack,
//	Completed, (Added sid loc tip), (Canceled (sid...)), (ObjList (obj...))
//	and (CoqExn ...). Any other shape is KindUnrecognized; an error payload
//	is never reported as an acceptance.
//
// Thread Safety:
//
//	Pure function; safe for concurrent use.
func Classify(node sexp.Node) Outcome {
	switch node.Head() {
	case "Feedback":
		return Outcome{Kind: KindFeedback, Message: feedbackMessage(node)}
	case "Answer":
	default:
		return unrecognized(node, "not an Answer or Feedback")
	}

	if node.Len() != 3 {
		return unrecognized(node, "answer arity")
	}
	tag, _ := node.At(1)
	if tag.Kind != sexp.KindAtom {
		return unrecognized(node, "answer tag is not an atom")
	}
	payload, _ := node.At(2)
	out := Outcome{Tag: tag.Value}

	if payload.Kind == sexp.KindAtom {
		switch payload.Value {
		case "Ack":
			out.Kind = KindAck
			return out
		case "Completed":
			out.Kind = KindCompleted
			return out
		}
		return unrecognized(node, "unknown answer "+payload.Value)
	}

	switch payload.Head() {
	case "Added":
		sidNode, ok := payload.At(1)
		if !ok {
			return unrecognized(node, "Added without state id")
		}
		sid, err := strconv.Atoi(sidNode.Value)
		if err != nil || sidNode.Kind != sexp.KindAtom {
			return unrecognized(node, "Added state id is not an integer")
		}
		out.Kind = KindAck
		out.StateIDs = []int{sid}
		return out

	case "Canceled":
		list, ok := payload.At(1)
		if !ok || !list.IsList() {
			return unrecognized(node, "Canceled without state list")
		}
		sids, ok := atoiList(list)
		if !ok {
			return unrecognized(node, "Canceled state id is not an integer")
		}
		out.Kind = KindAck
		out.StateIDs = sids
		return out

	case "ObjList":
		objs, ok := payload.At(1)
		if !ok || !objs.IsList() {
			return unrecognized(node, "ObjList without object list")
		}
		goals, err := decodeGoals(objs)
		if err != nil {
			return unrecognized(node, err.Error())
		}
		out.Kind = KindGoalState
		out.Goals = goals
		return out

	case "CoqExn":
		out.Kind = KindError
		out.Message = exnMessage(payload)
		return out
	}
	return unrecognized(node, "unknown answer payload "+payload.Head())
}

func unrecognized(node sexp.Node, reason string) Outcome {
	return Outcome{Kind: KindUnrecognized, Message: reason, Raw: node.String()}
}

func atoiList(list sexp.Node) ([]int, bool) {
	out := make([]int, 0, list.Len())
	for _, item := range list.List {
		if item.Kind != sexp.KindAtom {
			return nil, false
		}
		v, err := strconv.Atoi(item.Value)
		if err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// exnMessage pulls the human message out of a CoqExn payload.
//
// Newer SerAPI releases carry a record with a str field; older ones nest the
// message in ExplainErr/pp structures. Falls back to the rendered payload.
func exnMessage(payload sexp.Node) string {
	for _, field := range []string{"str", "msg", "pp"} {
		found, ok := payload.Find(func(n sexp.Node) bool {
			if n.Head() != field || n.Len() != 2 {
				return false
			}
			v, _ := n.At(1)
			return v.Kind == sexp.KindString
		})
		if ok {
			v, _ := found.At(1)
			return strings.TrimSpace(v.Value)
		}
	}
	if s, ok := payload.Find(func(n sexp.Node) bool { return n.Kind == sexp.KindString }); ok {
		return strings.TrimSpace(s.Value)
	}
	return payload.String()
}

// feedbackMessage returns the str of a Message feedback, or "".
func feedbackMessage(node sexp.Node) string {
	msg, ok := node.Find(func(n sexp.Node) bool { return n.Head() == "Message" })
	if !ok {
		return ""
	}
	s, ok := msg.Find(func(n sexp.Node) bool {
		v, _ := n.At(1)
		return n.Head() == "str" && v.Kind == sexp.KindString
	})
	if !ok {
		return ""
	}
	v, _ := s.At(1)
	return strings.TrimSpace(v.Value)
}
