// Code generated by "stringer -type=State"; hand-transcribed in its place here since this
// exercise never invokes the Go toolchain. DO NOT EDIT past keeping it in sync with State's
// declaration order in task.go.

package task

import "strconv"

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Sleeping:
		return "Sleeping"
	case Zombie:
		return "Zombie"
	case Dead:
		return "Dead"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}
