package queue

import (
	"encoding/json"
	"strconv"
	"time"

	"ratequeue/internal/retry"
	"ratequeue/internal/state"
)

// Job is a snapshot of a queued task.
type Job struct {
	ID             string
	Payload        json.RawMessage
	State          state.State
	EligibleAt     time.Time
	Attempts       int64
	MaxAttempts    int64
	Backoff        retry.Policy
	LeasedBy       string
	LeaseExpiresAt time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const (
	fieldID             = "id"
	fieldPayload        = "payload"
	fieldState          = "state"
	fieldMember         = "member"
	fieldEligibleAt     = "eligible_at"
	fieldAttempts       = "attempts"
	fieldMaxAttempts    = "max_attempts"
	fieldBackoffKind    = "backoff_kind"
	fieldBackoffBase    = "backoff_base_ms"
	fieldBackoffMax     = "backoff_max_ms"
	fieldBackoffJitter  = "backoff_jitter"
	fieldLeasedBy       = "leased_by"
	fieldLeaseExpiresAt = "lease_expires_at"
	fieldLastError      = "last_error"
	fieldCreatedAt      = "created_at"
	fieldUpdatedAt      = "updated_at"
)

func (j *Job) fields(member string) map[string]any {
	return map[string]any{
		fieldID:             j.ID,
		fieldPayload:        string(j.Payload),
		fieldState:          string(j.State),
		fieldMember:         member,
		fieldEligibleAt:     j.EligibleAt.UnixMilli(),
		fieldAttempts:       j.Attempts,
		fieldMaxAttempts:    j.MaxAttempts,
		fieldBackoffKind:    string(j.Backoff.Kind),
		fieldBackoffBase:    j.Backoff.Base.Milliseconds(),
		fieldBackoffMax:     j.Backoff.Max.Milliseconds(),
		fieldBackoffJitter:  strconv.FormatFloat(j.Backoff.Jitter, 'f', -1, 64),
		fieldLeasedBy:       j.LeasedBy,
		fieldLeaseExpiresAt: millis(j.LeaseExpiresAt),
		fieldLastError:      j.LastError,
		fieldCreatedAt:      j.CreatedAt.UnixMilli(),
		fieldUpdatedAt:      j.UpdatedAt.UnixMilli(),
	}
}

func parseJob(values map[string]string) (*Job, error) {
	if len(values) == 0 {
		return nil, ErrJobNotFound
	}
	st, ok := state.Parse(values[fieldState])
	if !ok {
		return nil, Error.New("job %q has unknown state %q", values[fieldID], values[fieldState])
	}
	job := &Job{
		ID:        values[fieldID],
		Payload:   json.RawMessage(values[fieldPayload]),
		State:     st,
		LeasedBy:  values[fieldLeasedBy],
		LastError: values[fieldLastError],
		Backoff: retry.Policy{
			Kind: retry.Kind(values[fieldBackoffKind]),
		},
	}

	ints := []struct {
		field string
		dst   *int64
	}{
		{fieldAttempts, &job.Attempts},
		{fieldMaxAttempts, &job.MaxAttempts},
	}
	for _, f := range ints {
		v, err := parseInt(values, f.field)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{fieldEligibleAt, &job.EligibleAt},
		{fieldLeaseExpiresAt, &job.LeaseExpiresAt},
		{fieldCreatedAt, &job.CreatedAt},
		{fieldUpdatedAt, &job.UpdatedAt},
	}
	for _, f := range times {
		v, err := parseInt(values, f.field)
		if err != nil {
			return nil, err
		}
		if v > 0 {
			*f.dst = time.UnixMilli(v)
		}
	}

	base, err := parseInt(values, fieldBackoffBase)
	if err != nil {
		return nil, err
	}
	max, err := parseInt(values, fieldBackoffMax)
	if err != nil {
		return nil, err
	}
	job.Backoff.Base = time.Duration(base) * time.Millisecond
	job.Backoff.Max = time.Duration(max) * time.Millisecond
	if raw := values[fieldBackoffJitter]; raw != "" {
		jitter, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, Error.New("job %q field %s: %v", job.ID, fieldBackoffJitter, err)
		}
		job.Backoff.Jitter = jitter
	}
	return job, nil
}

func parseInt(values map[string]string, field string) (int64, error) {
	raw := values[field]
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, Error.New("job %q field %s: %v", values[fieldID], field, err)
	}
	return v, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// flatToMap converts an HGETALL reply returned from a script.
func flatToMap(reply []any) map[string]string {
	out := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		out[k] = v
	}
	return out
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
