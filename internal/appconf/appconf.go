// Package appconf holds application-level configuration shared across packages.
package appconf

// Environment identifies the runtime environment the pipeline is running in.
type Environment int

const (
	Test Environment = iota
	Development
	Production
)

func (e Environment) String() string {
	switch e {
	case Test:
		return "test"
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

// EnvFlagToEnvironment maps a CLI flag value to an Environment.
// Unknown values fall back to Development.
func EnvFlagToEnvironment(env string) Environment {
	switch env {
	case "test":
		return Test
	case "production":
		return Production
	default:
		return Development
	}
}

// Config holds process-wide configuration assembled in main and injected
// into the pipeline's entry points.
type Config struct {
	Env         Environment
	Verbose     bool
	MetricsAddr string
}
