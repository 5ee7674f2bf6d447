// Package util holds small helpers shared across packages: truncating and
// hashing tokens for logs and index keys, and URL normalization.
package util
