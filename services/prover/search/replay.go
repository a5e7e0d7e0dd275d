// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// replay is a transaction over a session: commands submitted through it
// are undone together by rollback, returning the session to the depth
// and snapshot it had at begin.
//
// Thread Safety: Not safe for concurrent use. One replay per session.
type replay struct {
	sess     Session
	baseline int
	base     proofstate.Snapshot
	verify   bool
}

func begin(sess Session, verify bool) *replay {
	return &replay{
		sess:     sess,
		baseline: sess.Depth(),
		base:     sess.CurrentSnapshot(),
		verify:   verify,
	}
}

// submit sends one command. Rejected commands leave the session untouched.
func (r *replay) submit(ctx context.Context, command string) (proofstate.Snapshot, error) {
	return r.sess.Submit(ctx, command)
}

// pending returns the number of commands rollback would cancel.
func (r *replay) pending() int { return r.sess.Depth() - r.baseline }

// rollback cancels every command accepted since begin.
//
// Description:
//
//	Issues a single CancelLast for all accepted commands. Afterwards the
//	depth must equal the baseline, and with verify set the snapshot must
//	equal the baseline snapshot. Any difference is ErrRollbackMismatch.
func (r *replay) rollback(ctx context.Context) error {
	n := r.pending()
	if n < 0 {
		return fmt.Errorf("%w: depth %d below baseline %d", ErrRollbackMismatch, r.sess.Depth(), r.baseline)
	}
	if n > 0 {
		if err := r.sess.CancelLast(context.WithoutCancel(ctx), n); err != nil {
			return fmt.Errorf("rolling back %d commands: %w", n, err)
		}
	}
	if d := r.sess.Depth(); d != r.baseline {
		return fmt.Errorf("%w: depth %d after rollback, baseline %d", ErrRollbackMismatch, d, r.baseline)
	}
	if r.verify {
		if got := r.sess.CurrentSnapshot(); !got.Equal(r.base) {
			return fmt.Errorf("%w: snapshot differs from baseline (open %d, want %d)",
				ErrRollbackMismatch, got.Open(), r.base.Open())
		}
	}
	return nil
}
