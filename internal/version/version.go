// Package version carries build information injected with ldflags:
//
//	go build -ldflags "-X github.com/doughall/shellrelay/internal/version.Version=1.0.0 \
//	                   -X github.com/doughall/shellrelay/internal/version.Commit=abc123 \
//	                   -X github.com/doughall/shellrelay/internal/version.BuildTime=2025-01-29T12:00:00Z"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info returns a one-line description for binary name.
func Info(name string) string {
	return name + " " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
