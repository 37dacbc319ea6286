package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. The memory bootstrap code
// runs before any allocator exists so errors.New cannot be used; callers
// compare errors by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
