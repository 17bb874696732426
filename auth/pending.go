package auth

import "ceuplanner/storage"

// Session-scoped keys of the in-flight login attempt.
const (
	stateKey    = "ceuplanner.auth.state"
	verifierKey = "ceuplanner.auth.code_verifier"
	returnToKey = "ceuplanner.auth.return_to"
)

// DefaultReturnTo is where a completed login lands when no path was recorded.
const DefaultReturnTo = "/dashboard"

// PendingLogin binds a callback to the login attempt that produced it.
type PendingLogin struct {
	State        string
	CodeVerifier string
	ReturnTo     string
}

func savePending(s storage.Storage, p PendingLogin) error {
	if err := s.Set(stateKey, p.State); err != nil {
		return err
	}
	if err := s.Set(verifierKey, p.CodeVerifier); err != nil {
		return err
	}
	return s.Set(returnToKey, p.ReturnTo)
}

// takePending reads and deletes the pending login. The keys are removed even
// when the record is incomplete.
func takePending(s storage.Storage) (PendingLogin, bool) {
	state, okState := s.Get(stateKey)
	verifier, okVerifier := s.Get(verifierKey)
	returnTo, _ := s.Get(returnToKey)
	clearPending(s)

	if !okState || !okVerifier || state == "" || verifier == "" {
		return PendingLogin{}, false
	}
	return PendingLogin{State: state, CodeVerifier: verifier, ReturnTo: returnTo}, true
}

func clearPending(s storage.Storage) {
	_ = s.Remove(stateKey)
	_ = s.Remove(verifierKey)
	_ = s.Remove(returnToKey)
}
