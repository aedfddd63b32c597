// Package mmap acquires contiguous anonymous memory regions directly from
// the operating system. A Mapping owns one private read/write region and is
// responsible for returning it on Close; Region provides non-owning
// sub-range views used to partition a mapping.
package mmap
