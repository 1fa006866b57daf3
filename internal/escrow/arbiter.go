package escrow

import "time"

// Transition preconditions. Each check is pure: it reads the current record
// and the call time and never mutates anything.

func checkFund(rec *Record, _ time.Time) error {
	if rec.Status != StatusPending {
		return ErrInvalidState
	}
	return nil
}

func checkCancel(rec *Record, _ time.Time) error {
	if rec.Status != StatusPending {
		return ErrInvalidState
	}
	return nil
}

func checkRelease(rec *Record, _ time.Time) error {
	switch {
	case rec.Status == StatusDisputed:
		return ErrAlreadyDisputed
	case rec.Status != StatusFunded:
		return ErrInvalidState
	case rec.DisputeStatus != DisputeNone && rec.DisputeStatus != DisputeDismissed:
		return ErrAlreadyDisputed
	}
	return nil
}

// checkOpenDispute allows a dispute on a funded record before its deadline,
// including one whose previous dispute was dismissed.
func checkOpenDispute(rec *Record, now time.Time) error {
	switch {
	case rec.Status == StatusDisputed || rec.DisputeStatus == DisputeOpen:
		return ErrAlreadyDisputed
	case rec.Status != StatusFunded:
		return ErrInvalidState
	case !now.Before(rec.Deadline):
		return ErrDeadlineExpired
	}
	return nil
}

func checkOpenDisputeExists(rec *Record, _ time.Time) error {
	switch {
	case rec.Status == StatusDisputed && rec.DisputeStatus == DisputeOpen:
		return nil
	case rec.Status == StatusFunded:
		return ErrNoOpenDispute
	}
	return ErrInvalidState
}

// resolution maps a binary ruling to the record's final state.
func resolution(favorPayee bool) (Status, DisputeStatus) {
	if favorPayee {
		return StatusResolvedForPayee, DisputeResolvedForPayee
	}
	return StatusResolvedForPayer, DisputeResolvedForPayer
}

// resolutionRecipient picks who receives custody on a ruling. A ruling for
// the payer goes to the fallback address when one is configured.
func resolutionRecipient(rec *Record, favorPayee bool, fallback string) string {
	if favorPayee {
		return rec.Payee
	}
	if fallback != "" {
		return fallback
	}
	return rec.Payer
}
