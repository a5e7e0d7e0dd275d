// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package serapi drives Coq through sertop, the SerAPI protocol server.
//
// # Overview
//
// A Session owns one sertop process and mirrors its document as a stack of
// accepted commands. Submitting a command sends Add, executes each state
// the prover created and re-queries the goals. A rejected command is
// cancelled in the prover and never reaches the history, so the history
// always replays to the prover's current position.
//
// # Wire Format
//
// Requests are tagged s-expressions, one per line:
//
//	(t1 (Add () "intros n."))
//	(t2 (Exec 5))
//	(t3 (Cancel (5)))
//	(t4 (Query ((pp ((pp_format PpStr)))) Goals))
//
// Each request is answered by (Answer tN Ack), zero or more payload
// answers and (Answer tN Completed). ParseMessage classifies each message;
// anything it does not recognize is fatal for the session.
//
// # Failure Model
//
//   - *StepError: the prover rejected the command. Recoverable.
//   - ErrTimedOut: no answer within the command timeout. The session is
//     broken until Recover restarts sertop and replays the history.
//   - *LaunchError, *UnrecognizedError, ErrCancelFailed, ErrProcessExited:
//     fatal for the session.
//
// # Usage
//
//	sess, err := serapi.Start(ctx, serapi.LaunchConfig{Prelude: coqlib})
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
//	snap, err := sess.Submit(ctx, "Lemma foo : forall n, n + 0 = n.")
//
// # Thread Safety
//
// Session operations are serialized. Each worker should own its session.
package serapi
