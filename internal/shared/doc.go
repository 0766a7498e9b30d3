// Package shared holds helpers used by more than one package. It has no
// production code of its own; see the testutil subpackage for the slog
// capture handler and time fixtures used across the test suites.
package shared
