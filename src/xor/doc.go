// Package xor implements the XOR-metric address space: 256-bit names,
// distance and proximity primitives, and section prefixes. All functions are
// pure; precondition violations panic because they are programming errors,
// not runtime conditions.
package xor
