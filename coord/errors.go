package coord

import "fmt"

// MergeError reports a channel state update that could not be applied.
// Both the incoming update and the prior store contents are carried for
// diagnosis; the store itself is never partially mutated.
type MergeError struct {
	Update map[string]interface{}
	Prior  map[int]bool
	Reason string
}

func (err MergeError) Error() string {
	return fmt.Sprintf("unable to merge channel states: %s (update: %v, prior: %v)",
		err.Reason, err.Update, err.Prior)
}

// DecodeError reports a malformed bus frame or payload. Recovered
// locally: the router logs it and keeps polling.
type DecodeError struct {
	Stage string
	Err   error
}

func (err DecodeError) Error() string {
	return fmt.Sprintf("unable to decode %s: %v", err.Stage, err.Err)
}

func (err DecodeError) Unwrap() error {
	return err.Err
}
