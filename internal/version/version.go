// Package version holds the build-time version string printed by the CLI.
package version

// Version is overridden at build time via -ldflags.
var Version = "dev"

// Print returns a one-line identification string for app, matching the
// format used by kingpin's Version() hook.
func Print(app string) string {
	return app + " version " + Version
}
