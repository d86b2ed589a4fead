// Code generated by "stringer -type=NodeType"; hand-transcribed in its place here since this
// exercise never invokes the Go toolchain. DO NOT EDIT past keeping it in sync with NodeType's
// declaration order in vfs.go.

package vfs

import "strconv"

func (t NodeType) String() string {
	switch t {
	case File:
		return "File"
	case Directory:
		return "Directory"
	default:
		return "NodeType(" + strconv.Itoa(int(t)) + ")"
	}
}
