package sentinel

var _ error = Error("")

// Error is a string-backed error that can be declared as a const.
// Because the type is comparable, errors.Is matches it through wrapped
// chains without needing an Is method, and const declarations prevent
// accidental reassignment of package sentinels.
type Error string

func (e Error) Error() string {
	return string(e)
}
