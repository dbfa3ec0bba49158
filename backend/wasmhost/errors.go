package wasmhost

import (
	"errors"
	"fmt"

	"github.com/adwski/stateroom/backend/stateroom"
)

var (
	ErrCouldNotImportMemory   = errors.New("could not import memory from wasm instance")
	ErrCouldNotImportGlobal   = errors.New("could not read global variable from wasm instance")
	ErrInvalidAPIVersion      = errors.New("wasm module has an incompatible API version")
	ErrInvalidProtocolVersion = errors.New("wasm module has an incompatible protocol version")
	ErrMissingExport          = errors.New("wasm module does not export a required function")
	ErrCompile                = errors.New("could not compile wasm module")
	ErrInstantiate            = errors.New("could not instantiate wasm module")

	// ErrGuestTrap is fatal: the host refuses further calls once it is returned.
	ErrGuestTrap = fmt.Errorf("guest trap: %w", stateroom.ErrFatal)
)
