// Package errs defines the sentinel error codes returned across the
// page-table and heap packages, in the style of biscuit's defs.Err_t:
// a small positive integer rather than the stdlib error interface, since
// these values cross the allocator/mapper boundary where an interface
// value would be an unwelcome allocation.
package errs

import "fmt"

// Err_t is a kernel-internal error code. Zero means success.
type Err_t int

const (
	/// EFAULT indicates an inaccessible or unmapped address.
	EFAULT Err_t = iota + 1
	/// ENOMEM indicates a physical frame could not be obtained.
	ENOMEM
	/// ENOHEAP indicates a virtual range could not be reserved.
	ENOHEAP
	/// EINVAL indicates a misaligned or otherwise malformed argument.
	EINVAL
	/// EEXIST indicates an attempt to map over an existing mapping.
	EEXIST
)

// String renders the error code for diagnostics.
func (e Err_t) String() string {
	switch e {
	case EFAULT:
		return "EFAULT"
	case ENOMEM:
		return "ENOMEM"
	case ENOHEAP:
		return "ENOHEAP"
	case EINVAL:
		return "EINVAL"
	case EEXIST:
		return "EEXIST"
	default:
		return fmt.Sprintf("Err_t(%d)", int(e))
	}
}
