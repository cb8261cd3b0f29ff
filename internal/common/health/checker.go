package health

// Checker is implemented by anything able to report whether a component is healthy.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function to a Checker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}
