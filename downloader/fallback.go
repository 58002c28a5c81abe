package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Returned when there's nothing to try. No request is made.
var ErrNoCandidates = errors.New("no endpoint configured")

// One of several ways of reaching the same resource.
type Candidate struct {
	Label   string
	URL     string
	Headers map[string]string
}

// Why a candidate was passed over.
type CandidateError struct {
	Label string
	Err   error
}

func (e *CandidateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Label, e.Err)
}

func (e *CandidateError) Unwrap() error {
	return e.Err
}

// Every candidate failed.
type ExhaustedError struct {
	Failures []*CandidateError
}

func (e *ExhaustedError) Error() string {
	reasons := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		reasons = append(reasons, f.Error())
	}
	return "all candidates failed (" + strings.Join(reasons, "; ") + ")"
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Called after each attempt. err is nil on success.
type AttemptObserver func(candidate Candidate, err error)

// Tries candidates strictly in order, returning the first response
// that downloads successfully and passes accept (which may be nil).
// A rejected payload counts as a failure, and the next candidate is
// tried.
//
// Cancellation of ctx stops everything: ctx.Err() is returned as is,
// and no further candidates are attempted.
func GetFirst(
	ctx context.Context,
	d Downloader,
	candidates []Candidate,
	options GetOptions,
	accept func(*Response) error,
	observers ...AttemptObserver,
) (*Response, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	exhausted := &ExhaustedError{}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := d.Get(ctx, candidate.URL, candidate.Headers, options)
		if err == nil && accept != nil {
			err = accept(resp)
		}

		// Failures caused by cancellation belong to the caller,
		// not the candidate.
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		for _, observe := range observers {
			observe(candidate, err)
		}

		if err == nil {
			return resp, nil
		}

		exhausted.Failures = append(exhausted.Failures, &CandidateError{
			Label: candidate.Label,
			Err:   err,
		})
	}

	return nil, exhausted
}
