package cuenv

// maybeSandboxInitFn is replaced by platform_linux.go.
var maybeSandboxInitFn = func() bool { return false }

// MaybeSandboxInit checks if the current process was re-executed as a
// sandbox init. If so it runs the init, which ends by executing the task,
// and never returns. Otherwise it returns false.
//
// Call this at the very beginning of main() before any other initialization:
//
//	func main() {
//	    if cuenv.MaybeSandboxInit() {
//	        return
//	    }
//	    // ... rest of main
//	}
func MaybeSandboxInit() bool {
	return maybeSandboxInitFn()
}
