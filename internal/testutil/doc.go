// Package testutil provides a mock clock, a discarding logger and random
// fixtures shared by the package tests.
package testutil
