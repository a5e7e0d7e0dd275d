// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// Fixed proposes the same tactics in the same order for every context.
type Fixed struct {
	preds []Prediction
}

// NewFixed returns an oracle ranking tactics in the given order.
func NewFixed(tactics ...string) *Fixed {
	preds := make([]Prediction, 0, len(tactics))
	for i, t := range tactics {
		preds = append(preds, Prediction{Tactic: t, Score: 1.0 / float64(i+1)})
	}
	return &Fixed{preds: Rank(preds, len(preds))}
}

// Score implements Oracle. Outside a proof it returns nothing.
func (f *Fixed) Score(_ context.Context, snap proofstate.Snapshot, count int) ([]Prediction, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadCount, count)
	}
	if !snap.InProof() {
		return nil, nil
	}
	n := min(count, len(f.preds))
	out := make([]Prediction, n)
	copy(out, f.preds[:n])
	return out, nil
}
