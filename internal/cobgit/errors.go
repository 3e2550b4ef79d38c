package cobgit

import "errors"

// Load-path errors, per §4.3's read-path enforcement rules.
var (
	ErrChangeNotSigned   = errors.New("cobgit: commit carries no signature")
	ErrTooManySignatures = errors.New("cobgit: commit carries more than one signature")
	ErrTooManyResources  = errors.New("cobgit: commit carries more than one Rad-Resource trailer")
)
