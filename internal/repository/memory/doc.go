// Package memory holds in-process implementations of every repository. They
// back development mode (no database configured) and service tests, and
// honour the same atomicity contracts as the Postgres implementations by
// doing each operation under one mutex.
package memory
