package wizard

import "errors"

// Navigation errors
var (
	ErrInvalidStepInput = errors.New("wizard: invalid input for step")
	ErrNoNextStep       = errors.New("wizard: no step after summary")
	ErrNoPreviousStep   = errors.New("wizard: already at the first step")
)

// Generation errors
var (
	ErrIncompleteWizardState = errors.New("wizard: required choice missing")
)
