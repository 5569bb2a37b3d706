// Package stub provides interfaces and stub implementations.
//
// Library packages in this module use these interfaces, so programs reusing
// them don't have to take on unwanted dependencies. The smtpsubmit command
// sets them to prometheus implementations.
//
// Stubs are provided for: metrics (prometheus).
package stub
