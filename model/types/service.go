package types

// Service is a registered step-handler service. Each workflow step action
// names one of its methods as `service.method`.
type Service interface {
	Name() string
	Methods() Signatures
	Method(name string) (Executable, error)
}
